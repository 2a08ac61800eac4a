package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	p, shutdown, err := Init(context.Background(), Config{ServiceName: "domaind"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	defer shutdown(context.Background())

	assert.Nil(t, p.TracerProvider)
	assert.Nil(t, p.LogHandler)
	assert.NotNil(t, p.Tracer)
	assert.NotNil(t, p.Meter)
	assert.NotNil(t, p.TracerFor("driver"))
	assert.NotNil(t, p.MeterFor("driver"))

	_, err = p.Meter.Int64Counter("domaind_test_total")
	assert.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestGoVersion(t *testing.T) {
	assert.Contains(t, GoVersion(), "go")
}

func TestShutdownsRunInReverse(t *testing.T) {
	var order []string
	s := shutdowns{
		named("tracer", func(context.Context) error { order = append(order, "tracer"); return nil }),
		named("meter", func(context.Context) error { order = append(order, "meter"); return assert.AnError }),
		named("logger", func(context.Context) error { order = append(order, "logger"); return nil }),
	}

	err := s.run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "shutdown meter")
	assert.Equal(t, []string{"logger", "meter", "tracer"}, order)
}
