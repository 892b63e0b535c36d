package processor

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRunState_EnterRecordsStage(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(context.Background(), "shortlist")

	var buf bytes.Buffer
	st := &runState{log: zerolog.New(&buf).Level(zerolog.DebugLevel)}
	stages := []string{StageAssemblingResults, StageSummarizing, StageArchivingUploadedFile, StageRecordingRun}
	for _, stage := range stages {
		st.enter(ctx, stage)
	}
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	events := spans[0].Events()
	require.Len(t, events, len(stages))
	for i, ev := range events {
		assert.Equal(t, "shortlist.stage", ev.Name)
		require.Len(t, ev.Attributes, 1)
		assert.Equal(t, stages[i], ev.Attributes[0].Value.AsString())
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(stages))
	assert.Contains(t, lines[1], `"stage":"summarizing"`)
	assert.Contains(t, lines[3], `"stage":"recording_run"`)
}
