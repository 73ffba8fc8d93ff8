package traffic

import (
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// Condition is a weather condition.
type Condition string

const (
	Clear     Condition = "clear"
	Cloudy    Condition = "cloudy"
	LightRain Condition = "light_rain"
	Rain      Condition = "rain"
	HeavyRain Condition = "heavy_rain"
	Snow      Condition = "snow"
	Storm     Condition = "storm"
)

var impact = map[Condition]float64{
	Clear:     0,
	Cloudy:    0.1,
	LightRain: 0.3,
	Rain:      0.6,
	HeavyRain: 1.0,
	Snow:      1.2,
	Storm:     1.8,
}

// Impact returns the delay factor of c, 0 for unknown conditions.
func (c Condition) Impact() float64 { return impact[c] }

// Weather is the forecast at one place and time.
type Weather struct {
	Condition    Condition `json:"condition"`
	Impact       float64   `json:"impact_factor"`
	VisibilityKm float64   `json:"visibility_km"`
}

// NewWeather derives impact and visibility from the condition.
func NewWeather(c Condition) Weather {
	f := c.Impact()
	return Weather{Condition: c, Impact: f, VisibilityKm: max(1, 20-f*10)}
}

// WeatherProvider forecasts the weather at a location.
type WeatherProvider interface {
	Weather(loc model.Location, at time.Time) Weather
}

// WeatherFunc adapts a function to WeatherProvider.
type WeatherFunc func(loc model.Location, at time.Time) Weather

func (f WeatherFunc) Weather(loc model.Location, at time.Time) Weather { return f(loc, at) }

// Static reports the same condition everywhere. The zero value is clear skies.
type Static struct{ Condition Condition }

func (s Static) Weather(model.Location, time.Time) Weather {
	if s.Condition == "" {
		return NewWeather(Clear)
	}
	return NewWeather(s.Condition)
}
