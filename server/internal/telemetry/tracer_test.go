package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"rural-triage/server/internal/logging"
)

func TestInitTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("rural-triage-test", &buf, logging.Discard())
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "stream.process_case")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "stream.process_case")
	assert.Contains(t, buf.String(), "rural-triage-test")
}
