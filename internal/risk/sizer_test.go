package risk

import (
	"errors"
	"testing"

	"futures-trading-engine/internal/strategy"
)

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name         string
		fixedAmount  float64
		riskPerTrade float64
		slPct        float64
		balance      float64
		entry        float64
		want         float64
		wantErr      bool
		wantCfgErr   bool
	}{
		{
			name:        "fixed amount divides by entry",
			fixedAmount: 100,
			balance:     10000,
			entry:       50,
			want:        2,
		},
		{
			name:         "fixed amount wins over risk sizing",
			fixedAmount:  100,
			riskPerTrade: 0.01,
			slPct:        0.02,
			balance:      10000,
			entry:        50,
			want:         2,
		},
		{
			name:         "risk budget over stop distance",
			riskPerTrade: 0.01,
			slPct:        0.02,
			balance:      1000,
			entry:        50,
			// 10 of risk, stop distance 1 per unit.
			want: 10,
		},
		{
			name:         "risk sizing scales with balance",
			riskPerTrade: 0.02,
			slPct:        0.04,
			balance:      50000,
			entry:        25000,
			want:         1,
		},
		{
			name:         "zero balance cannot risk size",
			riskPerTrade: 0.01,
			slPct:        0.02,
			balance:      0,
			entry:        50,
			wantErr:      true,
		},
		{
			name:        "non positive entry fails",
			fixedAmount: 100,
			balance:     1000,
			entry:       0,
			wantErr:     true,
		},
		{
			name:       "no sizing input resolvable",
			balance:    1000,
			entry:      50,
			wantErr:    true,
			wantCfgErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := strategy.Config{
				FixedAmount:  tt.fixedAmount,
				RiskPerTrade: tt.riskPerTrade,
				SLPct:        tt.slPct,
			}
			got, err := PositionSize(cfg, tt.balance, tt.entry)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("PositionSize() = %.8f, want error", got)
				}
				var cfgErr *strategy.ConfigError
				if tt.wantCfgErr && !errors.As(err, &cfgErr) {
					t.Errorf("error %v is not a ConfigError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PositionSize() error: %v", err)
			}
			if !almostEqual(got, tt.want, 1e-9) {
				t.Errorf("PositionSize() = %.8f, want %.8f", got, tt.want)
			}
		})
	}
}
