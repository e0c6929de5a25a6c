package indicators

import "fmt"

// Config holds indicator periods. MinLookback must cover the longest period.
type Config struct {
	WindowSize    int     `json:"windowSize" mapstructure:"window_size" yaml:"window_size" default:"300" validate:"gte=2"`
	MinLookback   int     `json:"minLookback" mapstructure:"min_lookback" yaml:"min_lookback" default:"200" validate:"gte=2"`
	EMAFast       int     `json:"emaFast" mapstructure:"ema_fast" yaml:"ema_fast" default:"20" validate:"gte=1"`
	EMASlow       int     `json:"emaSlow" mapstructure:"ema_slow" yaml:"ema_slow" default:"50" validate:"gte=1"`
	EMATrend      int     `json:"emaTrend" mapstructure:"ema_trend" yaml:"ema_trend" default:"200" validate:"gte=1"`
	MACDFast      int     `json:"macdFast" mapstructure:"macd_fast" yaml:"macd_fast" default:"12" validate:"gte=1"`
	MACDSlow      int     `json:"macdSlow" mapstructure:"macd_slow" yaml:"macd_slow" default:"26" validate:"gte=1"`
	MACDSignal    int     `json:"macdSignal" mapstructure:"macd_signal" yaml:"macd_signal" default:"9" validate:"gte=1"`
	RSIPeriod     int     `json:"rsiPeriod" mapstructure:"rsi_period" yaml:"rsi_period" default:"14" validate:"gte=1"`
	ADXPeriod     int     `json:"adxPeriod" mapstructure:"adx_period" yaml:"adx_period" default:"14" validate:"gte=1"`
	ATRPeriod     int     `json:"atrPeriod" mapstructure:"atr_period" yaml:"atr_period" default:"14" validate:"gte=1"`
	BBPeriod      int     `json:"bbPeriod" mapstructure:"bb_period" yaml:"bb_period" default:"20" validate:"gte=2"`
	BBStdDev      float64 `json:"bbStdDev" mapstructure:"bb_std_dev" yaml:"bb_std_dev" default:"2" validate:"gt=0"`
	StochK        int     `json:"stochK" mapstructure:"stoch_k" yaml:"stoch_k" default:"14" validate:"gte=1"`
	StochD        int     `json:"stochD" mapstructure:"stoch_d" yaml:"stoch_d" default:"3" validate:"gte=1"`
	VolumeMA      int     `json:"volumeMa" mapstructure:"volume_ma" yaml:"volume_ma" default:"20" validate:"gte=1"`
	RangePeriod   int     `json:"rangePeriod" mapstructure:"range_period" yaml:"range_period" default:"20" validate:"gte=1"`
	SlopeLookback int     `json:"slopeLookback" mapstructure:"slope_lookback" yaml:"slope_lookback" default:"5" validate:"gte=1"`
}

// DefaultConfig returns the standard indicator periods.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:    300,
		MinLookback:   200,
		EMAFast:       20,
		EMASlow:       50,
		EMATrend:      200,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		RSIPeriod:     14,
		ADXPeriod:     14,
		ATRPeriod:     14,
		BBPeriod:      20,
		BBStdDev:      2,
		StochK:        14,
		StochD:        3,
		VolumeMA:      20,
		RangePeriod:   20,
		SlopeLookback: 5,
	}
}

// LongestPeriod returns the largest number of bars any indicator needs.
func (c *Config) LongestPeriod() int {
	longest := 0
	for _, p := range []int{
		c.EMAFast, c.EMASlow, c.EMATrend, c.MACDSlow + c.MACDSignal,
		c.RSIPeriod + 1, 2*c.ADXPeriod + 1, c.ATRPeriod, c.BBPeriod,
		c.StochK + c.StochD, c.VolumeMA, c.RangePeriod,
	} {
		if p > longest {
			longest = p
		}
	}
	return longest
}

// Validate checks relationships between periods.
func (c *Config) Validate() error {
	if c.EMAFast >= c.EMASlow {
		return fmt.Errorf("ema_fast (%d) must be below ema_slow (%d)", c.EMAFast, c.EMASlow)
	}
	if c.MACDFast >= c.MACDSlow {
		return fmt.Errorf("macd_fast (%d) must be below macd_slow (%d)", c.MACDFast, c.MACDSlow)
	}
	if c.MinLookback < c.LongestPeriod() {
		return fmt.Errorf("min_lookback (%d) is shorter than the longest indicator period (%d)", c.MinLookback, c.LongestPeriod())
	}
	if c.WindowSize < c.MinLookback {
		return fmt.Errorf("window_size (%d) must be at least min_lookback (%d)", c.WindowSize, c.MinLookback)
	}
	if c.SlopeLookback >= c.MinLookback {
		return fmt.Errorf("slope_lookback (%d) must be below min_lookback (%d)", c.SlopeLookback, c.MinLookback)
	}
	return nil
}
