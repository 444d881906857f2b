package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fleet-governor/internal/model"
)

func sig(free, cpu, swap *float64) model.Signals {
	return model.Signals{FreeMemMB: free, CPULoad: cpu, SwapPercent: swap}
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	f := model.Float
	good := sig(f(8000), f(20), f(0))

	tests := []struct {
		name     string
		instant  model.Signals
		smoothed model.Signals
		want     Condition
	}{
		{"all comfortable", good, good, ConditionCool},
		{"instant memory low", sig(f(1500), f(20), f(0)), good, ConditionHot},
		{"smoothed memory low", good, sig(f(1900), f(20), f(0)), ConditionHot},
		{"instant cpu spike", sig(f(8000), f(95), f(0)), good, ConditionHot},
		{"smoothed swap high", good, sig(f(8000), f(20), f(35)), ConditionHot},
		{"instant swap ignored", sig(f(8000), f(20), f(90)), good, ConditionCool},
		{"memory inside margin", sig(f(2300), f(20), f(0)), good, ConditionNeutral},
		{"cpu inside margin", good, sig(f(8000), f(80), f(0)), ConditionNeutral},
		{"cpu unknown", sig(f(8000), nil, f(0)), sig(f(8000), nil, f(0)), ConditionNeutral},
		{"swap unknown", good, sig(f(8000), f(20), nil), ConditionNeutral},
		{"memory unknown but cpu hot", sig(nil, f(99), nil), sig(nil, f(99), nil), ConditionHot},
		{"nothing known", model.Signals{}, model.Signals{}, ConditionNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Classify(cfg, tt.instant, tt.smoothed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSmooth(t *testing.T) {
	assert.Nil(t, smooth(nil, nil, 0.5))
	assert.Equal(t, 10.0, *smooth(nil, model.Float(10), 0.5))
	assert.Equal(t, 10.0, *smooth(model.Float(10), nil, 0.5))
	assert.Equal(t, 15.0, *smooth(model.Float(10), model.Float(20), 0.5))
}
