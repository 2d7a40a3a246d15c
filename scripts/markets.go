package main

import (
	"encoding/csv"
	"flag"
	"net/http"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tradelog/internal/config"
	"github.com/rs/zerolog/log"
)

// This function will query the exchange for market info and store it in a csv file.
// Users can look up to this csv file to give market ID and size increment in the app configuration.
// CSV file created at ./examples/markets.csv by default.
func main() {
	out := flag.String("out", "./examples/markets.csv", "path of the csv file")
	flag.Parse()

	f, err := os.Create(*out)
	if err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("csv file create")
		return
	}
	w := csv.NewWriter(f)
	defer f.Close()
	defer w.Flush()

	if err = w.Write([]string{"exchange", "id", "status", "size_increment"}); err != nil {
		log.Error().Err(err).Msg("writing csv header")
		return
	}

	// Binance exchange.
	resp, err := http.Get(config.BinanceRESTBaseURL + "exchangeInfo")
	if err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("exchange request for markets")
		return
	}
	binanceMarkets := binanceResp{}
	if err = jsoniter.NewDecoder(resp.Body).Decode(&binanceMarkets); err != nil {
		log.Error().Err(err).Str("exchange", "binance").Msg("convert markets response")
		return
	}
	resp.Body.Close()
	for _, record := range binanceMarkets.Result {
		var stepSize string
		for _, filter := range record.Filters {
			if filter.Type == "LOT_SIZE" {
				stepSize = filter.StepSize
			}
		}
		if err = w.Write([]string{"binance", record.Name, record.Status, stepSize}); err != nil {
			log.Error().Err(err).Str("exchange", "binance").Msg("writing markets to csv")
			return
		}
	}
	log.Info().Str("exchange", "binance").Int("markets", len(binanceMarkets.Result)).Str("file", *out).Msg("markets written")
}

type binanceResp struct {
	Result []binanceRespRes `json:"symbols"`
}
type binanceRespRes struct {
	Name    string          `json:"symbol"`
	Status  string          `json:"status"`
	Filters []binanceFilter `json:"filters"`
}
type binanceFilter struct {
	Type     string `json:"filterType"`
	StepSize string `json:"stepSize"`
}
