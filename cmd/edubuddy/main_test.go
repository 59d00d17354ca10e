package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/edubuddy/internal/bus"
	"github.com/normanking/edubuddy/internal/config"
	"github.com/normanking/edubuddy/pkg/types"
)

func TestParseMetrics(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]float64
		wantErr bool
	}{
		{"none", nil, nil, false},
		{"two", []string{"accuracy=0.93", " bleu = 21.5"}, map[string]float64{"accuracy": 0.93, "bleu": 21.5}, false},
		{"missing value", []string{"accuracy"}, nil, true},
		{"not a number", []string{"accuracy=high"}, nil, true},
		{"empty name", []string{"=1"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMetrics(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadExperimentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: education-temperature
variants:
  - name: control
    model: qwen:0.5b
    traffic_share: 50
  - name: warm
    model: qwen:1.8b
    temperature: 0.9
    traffic_share: 50
`), 0o644))

	ef, err := readExperimentFile(path)
	require.NoError(t, err)
	assert.Equal(t, "education-temperature", ef.Name)
	require.Len(t, ef.Variants, 2)
	require.NotNil(t, ef.Variants[1].Temperature)
	assert.InDelta(t, 0.9, *ef.Variants[1].Temperature, 1e-9)
	assert.Nil(t, ef.Variants[0].Temperature)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.File = ""
	cfg.Store.Driver = "memory"
	cfg.Store.Path = ""
	return cfg
}

func TestNewApp_ApplyConfig(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), appOptions{events: true})
	require.NoError(t, err)
	defer a.close()
	require.NotNil(t, a.bus)

	reloaded := make(chan bus.Event, 1)
	a.bus.Subscribe(bus.EventConfigReloaded, func(e bus.Event) { reloaded <- e })

	next := testConfig(t)
	next.Safety.Rules.Keywords = []string{"恐龙"}
	next.Safety.SafeMessage = "换个话题吧。"
	edu := next.Specialists[types.SpecialistEducation.String()]
	edu.Model = "qwen:4b"
	next.Specialists[types.SpecialistEducation.String()] = edu

	a.applyConfig(next, zerolog.Nop())

	assert.Equal(t, []string{"恐龙"}, a.gate.Rules().Keywords)
	assert.Equal(t, "qwen:4b", a.registry.ResolveAgentConfig(types.SpecialistEducation, "").Model)
	assert.False(t, a.gate.Review(ctx, "我喜欢恐龙").Approved())

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("config_reloaded not published")
	}
}

func TestNewApp_ModelCommandsPersist(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Driver = "file"
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.json")

	a, err := newApp(ctx, cfg, appOptions{})
	require.NoError(t, err)
	v, err := a.admin.Register(ctx, "edu-model", "qwen:1.8b", nil)
	require.NoError(t, err)
	_, err = a.admin.Activate(ctx, "edu-model", v.ID)
	require.NoError(t, err)
	require.NoError(t, a.close())

	b, err := newApp(ctx, cfg, appOptions{})
	require.NoError(t, err)
	defer b.close()
	assert.Equal(t, "qwen:1.8b", b.registry.ResolveAgentConfig(types.SpecialistEducation, "").Model)
	assert.Nil(t, b.bus)
}
