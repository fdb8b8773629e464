package weather

// QueryWeatherArgs is an argument struct for the queryWeather tool.
type QueryWeatherArgs struct {
	Location string `json:"location"`
}

// ForecastWeatherArgs is an argument struct for the forecastWeather tool.
type ForecastWeatherArgs struct {
	Location string   `json:"location"`
	Days     *float64 `json:"days,omitempty"`
}

// Report is the result of the queryWeather tool.
type Report struct {
	Location    string `json:"location"`
	Temperature int    `json:"temperature"`
	Conditions  string `json:"conditions"`
	Humidity    int    `json:"humidity"`
	WindSpeed   int    `json:"windSpeed"`
}

// Forecast is the result of the forecastWeather tool.
type Forecast struct {
	Location string        `json:"location"`
	Days     []ForecastDay `json:"days"`
}

// ForecastDay is the forecast of a single day.
type ForecastDay struct {
	Day          int    `json:"day"`
	High         int    `json:"high"`
	Low          int    `json:"low"`
	Conditions   string `json:"conditions"`
	ChanceOfRain int    `json:"chanceOfRain"`
}

var queryWeatherSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "location": {
        "type": "string",
        "description": "City or place to report the weather for"
      }
    },
    "required": ["location"]
  }
`)

var forecastWeatherSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "location": {
        "type": "string",
        "description": "City or place to forecast the weather for"
      },
      "days": {
        "type": "number",
        "description": "Number of days to forecast, from 1 to 7",
        "default": 3
      }
    },
    "required": ["location"]
  }
`)
