package model

import (
	"fmt"
	"time"
)

// Bar is one closed OHLCV bar. Time is the bar's close time and is strictly
// increasing within a sequence.
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Time     time.Time `json:"time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Valid reports whether the bar satisfies low <= open,close <= high with
// positive prices and non-negative volume.
func (b Bar) Valid() bool {
	if b.Low <= 0 || b.Volume < 0 {
		return false
	}
	return b.Low <= b.Open && b.Low <= b.Close && b.Open <= b.High && b.Close <= b.High
}

func (b Bar) String() string {
	return fmt.Sprintf("%s O=%.6g H=%.6g L=%.6g C=%.6g V=%.6g",
		b.Time.UTC().Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// Closes extracts close prices.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
