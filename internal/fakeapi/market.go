package fakeapi

import (
	"hash/fnv"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	dateLayout      = "2006-01-02"
	forecastHorizon = 30
)

var (
	tickerPattern = regexp.MustCompile(`^[A-Z][A-Z.\-]{0,9}$`)
	periodDays    = map[string]int{"1w": 7, "1m": 30, "3m": 90, "6m": 180, "1y": 365}
)

// PricePoint is one day of a synthetic price series.
type PricePoint struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Transaction is one synthetic insider transaction.
type Transaction struct {
	Ticker          string  `json:"ticker"`
	InsiderName     string  `json:"insider_name"`
	TransactionDate string  `json:"transaction_date"`
	TransactionType string  `json:"transaction_type"`
	Shares          int64   `json:"shares"`
	Price           float64 `json:"price"`
}

// ForecastPoint is one day of the trend forecast.
type ForecastPoint struct {
	Date       string   `json:"date"`
	Open       float64  `json:"open"`
	High       float64  `json:"high"`
	Low        float64  `json:"low"`
	Close      *float64 `json:"close"`
	Trend      float64  `json:"trend"`
	TrendLower float64  `json:"trend_lower"`
	TrendUpper float64  `json:"trend_upper"`
	Momentum   float64  `json:"momentum"`
}

type forecastInput struct {
	Date  string  `json:"date"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

func (server *Server) mountMarketRoutes(router gin.IRouter) {
	protected := router.Group("", server.requireBearer())
	protected.GET("/stocks/:ticker", server.handleStocks)
	protected.GET("/transactions/:ticker", server.handleTransactions)
	protected.POST("/future", server.handleForecast)
}

func (server *Server) handleStocks(contextGin *gin.Context) {
	ticker := strings.ToUpper(contextGin.Param("ticker"))
	period := contextGin.DefaultQuery("period", "1y")
	days, ok := periodDays[period]
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("query", "period", "string does not match regex \"^(1w|1m|3m|6m|1y)$\""))
		return
	}
	if !tickerPattern.MatchString(ticker) {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, detail("No stock data found."))
		return
	}
	contextGin.JSON(http.StatusOK, syntheticSeries(ticker, days, server.clock.Now()))
}

func (server *Server) handleTransactions(contextGin *gin.Context) {
	ticker := strings.ToUpper(contextGin.Param("ticker"))
	period := contextGin.Query("time_period")
	days := periodDays["1y"]
	if period != "" {
		selected, ok := periodDays[period]
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("query", "time_period", "string does not match regex \"^(1w|1m|3m|6m|1y)$\""))
			return
		}
		days = selected
	}
	if !tickerPattern.MatchString(ticker) {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, detail("No transactions found for ticker '"+ticker+"' in period '"+period+"'"))
		return
	}
	contextGin.Header("Cache-Control", "public, max-age=60")
	contextGin.JSON(http.StatusOK, syntheticTransactions(ticker, days, server.clock.Now()))
}

func (server *Server) handleForecast(contextGin *gin.Context) {
	var series []forecastInput
	if err := contextGin.ShouldBindJSON(&series); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "body", "value is not a valid list"))
		return
	}
	if len(series) == 0 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, detail("No data provided for forecasting."))
		return
	}
	if len(series) < 2 {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, detail("Need at least 2 data points for forecasting."))
		return
	}
	lastDate, err := time.Parse(dateLayout, series[len(series)-1].Date)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, validationDetail("body", "date", "invalid date format"))
		return
	}
	values := make([]float64, len(series))
	for index, point := range series {
		if math.IsNaN(point.Open) || math.IsInf(point.Open, 0) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, detail("Invalid values (NaN or Inf) in price data."))
			return
		}
		values[index] = point.Open
	}
	contextGin.JSON(http.StatusOK, trendForecast(values, lastDate, forecastHorizon))
}

func tickerSeed(ticker string) uint32 {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(ticker))
	return hasher.Sum32()
}

func roundCents(value float64) float64 {
	return math.Round(value*100) / 100
}

func syntheticSeries(ticker string, days int, now time.Time) []PricePoint {
	seed := tickerSeed(ticker)
	base := 50 + float64(seed%200)
	end := now.UTC().Truncate(24 * time.Hour)
	points := make([]PricePoint, 0, days)
	for index := 0; index < days; index++ {
		day := end.AddDate(0, 0, index-days+1)
		open := base + math.Sin(float64(index)/7)*base*0.05 + float64(index)*0.02
		closing := open + math.Cos(float64(index)/5)*base*0.01
		points = append(points, PricePoint{
			Date:   day.Format(dateLayout),
			Open:   roundCents(open),
			High:   roundCents(math.Max(open, closing) + base*0.01),
			Low:    roundCents(math.Min(open, closing) - base*0.01),
			Close:  roundCents(closing),
			Volume: int64(1_000_000 + (int(seed)+index*7919)%500_000),
		})
	}
	return points
}

func syntheticTransactions(ticker string, days int, now time.Time) []Transaction {
	seed := tickerSeed(ticker)
	count := days/36 + 1
	transactions := make([]Transaction, 0, count)
	for index := 0; index < count; index++ {
		transactionType := "P"
		if (int(seed)+index)%2 == 1 {
			transactionType = "S"
		}
		transactions = append(transactions, Transaction{
			Ticker:          ticker,
			InsiderName:     []string{"J. Doe", "A. Smith", "R. Patel", "M. Chen"}[(int(seed)+index)%4],
			TransactionDate: now.UTC().AddDate(0, 0, -index*days/count).Format(dateLayout),
			TransactionType: transactionType,
			Shares:          int64(100 * (1 + (int(seed)+index*13)%50)),
			Price:           roundCents(50 + float64(seed%200) + float64(index)),
		})
	}
	return transactions
}

// trendForecast extends a least-squares line through values, banded by half the
// standard deviation or twice the slope, whichever is wider.
func trendForecast(values []float64, lastDate time.Time, horizon int) []ForecastPoint {
	count := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for index, value := range values {
		x := float64(index)
		sumX += x
		sumY += value
		sumXY += x * value
		sumXX += x * x
	}
	slope := (count*sumXY - sumX*sumY) / (count*sumXX - sumX*sumX)
	mean := sumY / count
	var variance float64
	for _, value := range values {
		variance += (value - mean) * (value - mean)
	}
	deviation := math.Sqrt(variance / count)
	band := math.Max(deviation*0.5, math.Abs(slope)*2)
	last := values[len(values)-1]

	points := make([]ForecastPoint, 0, horizon)
	for step := 1; step <= horizon; step++ {
		trend := last + slope*float64(step)
		lower := math.Max(0, trend-band)
		points = append(points, ForecastPoint{
			Date:       lastDate.AddDate(0, 0, step).Format(dateLayout),
			Open:       roundCents(trend),
			High:       roundCents(trend + band),
			Low:        roundCents(lower),
			Trend:      roundCents(trend),
			TrendLower: roundCents(lower),
			TrendUpper: roundCents(trend + band),
			Momentum:   slope,
		})
	}
	return points
}
