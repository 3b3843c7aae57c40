package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// KelvinOffset is 0°C expressed in Kelvin
const KelvinOffset = 273.15

// Notification titles
const (
	TitleRequestFailed     = "Get Current Weather Failed"
	TitleMalformedResponse = "Get Current Weather Not Success"
)

var (
	// ErrRequestFailed covers transport errors and non-2xx answers
	ErrRequestFailed = errors.New("weather request failed")

	// ErrMalformedResponse is returned when the body does not have the expected shape
	ErrMalformedResponse = errors.New("malformed weather response")
)

// Report is a parsed current-weather answer
type Report struct {
	City        string
	Condition   string
	Description string
	TempKelvin  float64
}

// Celsius returns the temperature in degrees Celsius
func (r *Report) Celsius() float64 {
	return r.TempKelvin - KelvinOffset
}

// Temperature formats the Celsius temperature with at most two decimals
// and no trailing zeros: 26.85, 10, -3.5.
func (r *Report) Temperature() string {
	return formatCelsius(r.Celsius())
}

// formatCelsius rounds half to even at two decimals
func formatCelsius(c float64) string {
	rounded := math.RoundToEven(c*100) / 100
	if rounded == 0 {
		rounded = 0 // drop the sign of -0
	}
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

// Title is the notification title for a successful fetch
func (r *Report) Title() string {
	return "Current Weather in " + r.City
}

// Message is the notification body for a successful fetch
func (r *Report) Message() string {
	return fmt.Sprintf("%s, %s with %s Celsius", r.Condition, r.Description, r.Temperature())
}

// FailureTitle picks the notification title for a failed fetch
func FailureTitle(err error) string {
	if errors.Is(err, ErrMalformedResponse) {
		return TitleMalformedResponse
	}
	return TitleRequestFailed
}

type currentWeatherResponse struct {
	Weather []struct {
		Main        *string `json:"main"`
		Description *string `json:"description"`
	} `json:"weather"`
	Main *struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
}

// ParseReport extracts weather[0].main, weather[0].description and main.temp
func ParseReport(city string, body []byte) (*Report, error) {
	var resp currentWeatherResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if resp.Weather == nil {
		return nil, fmt.Errorf("%w: no value for weather", ErrMalformedResponse)
	}
	if len(resp.Weather) == 0 {
		return nil, fmt.Errorf("%w: weather is empty", ErrMalformedResponse)
	}

	current := resp.Weather[0]
	if current.Main == nil {
		return nil, fmt.Errorf("%w: no value for weather[0].main", ErrMalformedResponse)
	}
	if current.Description == nil {
		return nil, fmt.Errorf("%w: no value for weather[0].description", ErrMalformedResponse)
	}
	if resp.Main == nil || resp.Main.Temp == nil {
		return nil, fmt.Errorf("%w: no value for main.temp", ErrMalformedResponse)
	}

	return &Report{
		City:        city,
		Condition:   *current.Main,
		Description: *current.Description,
		TempKelvin:  *resp.Main.Temp,
	}, nil
}

// apiError is the error body returned by the weather API
type apiError struct {
	Message string `json:"message"`
}

func parseAPIError(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Message
}
