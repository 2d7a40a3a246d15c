package exchange

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tradelog/internal/config"
	"github.com/milkywaybrain/tradelog/internal/connector"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// BinanceMaxLimit is the maximum number of trades binance returns for one request.
const BinanceMaxLimit = 1000

// Binance is the Adapter of a binance spot market.
type Binance struct {
	Market       string
	RESTBaseURL  string
	WebsocketURL string

	rest  *connector.REST
	wsCfg *config.WS
	retry config.Retry
}

type wsSubBinance struct {
	Method string    `json:"method"`
	Params [1]string `json:"params"`
	ID     int       `json:"id"`
}

type wsRespBinance struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Maker     bool   `json:"m"`
	Qty       string `json:"q"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	ID        int    `json:"id"`

	// This field value is not used but still need to present
	// because otherwise json decoder does case-insensitive match with "m" and "M".
	IsBestMatch bool `json:"M"`
}

type restRespBinance struct {
	ID    int64  `json:"id"`
	Maker bool   `json:"isBuyerMaker"`
	Qty   string `json:"qty"`
	Price string `json:"price"`
	Time  int64  `json:"time"`
}

// NewBinance creates the binance adapter of the given market symbol, e.g. BTCUSDT.
func NewBinance(market string, rest *connector.REST, connCfg *config.Connection, retry config.Retry) *Binance {
	return &Binance{
		Market:       strings.ToUpper(market),
		RESTBaseURL:  config.BinanceRESTBaseURL,
		WebsocketURL: config.BinanceWebsocketURL,
		rest:         rest,
		wsCfg:        &connCfg.WS,
		retry:        retry,
	}
}

// Executions implements Adapter.
func (b *Binance) Executions(ctx context.Context, startID int64, endID int64) ([]execution.Execution, error) {
	if endID <= startID {
		return nil, nil
	}
	limit := endID - startID
	if limit > BinanceMaxLimit {
		limit = BinanceMaxLimit
	}
	trades, err := b.historicalTrades(ctx, startID+1, int(limit))
	if err != nil {
		return nil, err
	}
	var executions []execution.Execution
	for _, e := range trades {
		if startID < e.ID && e.ID <= endID {
			executions = append(executions, e)
		}
	}
	return executions, nil
}

// ExecutionsBefore implements Adapter.
func (b *Binance) ExecutionsBefore(ctx context.Context, id int64) ([]execution.Execution, error) {
	if id <= 0 {
		return nil, nil
	}
	from := id - BinanceMaxLimit
	if from < 0 {
		from = 0
	}
	trades, err := b.historicalTrades(ctx, from, int(id-from))
	if err != nil {
		return nil, err
	}
	var executions []execution.Execution
	for _, e := range trades {
		if e.ID < id {
			executions = append(executions, e)
		}
	}
	return executions, nil
}

// ExecutionLatest implements Adapter.
func (b *Binance) ExecutionLatest(ctx context.Context) (execution.Execution, error) {
	req, err := b.rest.Request(ctx, b.RESTBaseURL+"trades")
	if err != nil {
		return execution.Execution{}, err
	}
	q := req.URL.Query()
	q.Add("symbol", b.Market)
	q.Add("limit", "1")
	req.URL.RawQuery = q.Encode()

	trades, err := b.doTrades(req)
	if err != nil {
		return execution.Execution{}, err
	}
	if len(trades) == 0 {
		return execution.Execution{}, errors.Errorf("binance %s : no trade returned", b.Market)
	}
	return trades[len(trades)-1], nil
}

// Equal implements Adapter.
func (b *Binance) Equal(a execution.Execution, o execution.Execution) bool {
	return SameID(a, o)
}

// RetryPolicy implements Adapter.
// The configured retry gap is used as the base of the quadratic backoff.
func (b *Binance) RetryPolicy(max int, label string) *RetryPolicy {
	p := NewRetryPolicy(max, "binance "+b.Market+" : "+label)
	p.ResetAfter = time.Duration(b.retry.ResetSec) * time.Second
	if gap := time.Duration(b.retry.GapSec) * time.Second; gap > 0 {
		p.Delay = func(n int) time.Duration {
			d := DefaultDelay(n) / time.Second * gap
			if d > MaxRetryDelay {
				return MaxRetryDelay
			}
			return d
		}
	}
	return p
}

func (b *Binance) historicalTrades(ctx context.Context, fromID int64, limit int) ([]execution.Execution, error) {
	req, err := b.rest.Request(ctx, b.RESTBaseURL+"historicalTrades")
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Add("symbol", b.Market)
	q.Add("fromId", strconv.FormatInt(fromID, 10))
	q.Add("limit", strconv.Itoa(limit))
	req.URL.RawQuery = q.Encode()
	return b.doTrades(req)
}

// doTrades queries exchange for trade data through REST API and
// transforms it to the common execution format.
func (b *Binance) doTrades(req *http.Request) ([]execution.Execution, error) {
	resp, err := b.rest.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rr := []restRespBinance{}
	if err := jsoniter.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, errors.Wrap(err, "decode binance trades")
	}

	executions := make([]execution.Execution, 0, len(rr))
	prev := execution.Execution{}
	for i := range rr {
		r := rr[i]
		e, err := binanceExecution(r.ID, r.Maker, r.Price, r.Qty, r.Time)
		if err != nil {
			return nil, err
		}
		e = e.WithConsecutive(execution.Classify(prev, e)).WithDelay(execution.DelayInestimable)
		executions = append(executions, e)
		prev = e
	}
	return executions, nil
}

// binanceExecution converts a binance trade. The buyer being the maker means the taker sold.
func binanceExecution(id int64, buyerMaker bool, price string, qty string, millis int64) (execution.Execution, error) {
	orientation := execution.Buy
	if buyerMaker {
		orientation = execution.Sell
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return execution.Execution{}, errors.Wrapf(err, "binance trade %d price", id)
	}
	s, err := decimal.NewFromString(qty)
	if err != nil {
		return execution.Execution{}, errors.Wrapf(err, "binance trade %d qty", id)
	}

	// Time sent is in milliseconds.
	date := time.Unix(0, millis*int64(time.Millisecond))
	return execution.New(id, orientation, p, s, date), nil
}

// ConnectLive implements Adapter.
// It reads one websocket connection. A dropped connection is returned as an error and
// never reestablished here, the caller restarts from what it already has.
func (b *Binance) ConnectLive(ctx context.Context, sink func(execution.Execution)) error {
	err := b.readLive(ctx, sink)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Binance) readLive(appCtx context.Context, sink func(execution.Execution)) error {

	// If any function fails, force the other one to stop and return.
	liveErrGroup, ctx := errgroup.WithContext(appCtx)

	ws, err := connector.NewWebsocket(ctx, b.wsCfg, b.WebsocketURL)
	if err != nil {
		if !errors.Is(err, ctx.Err()) {
			logErrStack(err)
		}
		return err
	}
	log.Info().Str("exchange", "binance").Str("market", b.Market).Msg("websocket connected")

	// Closing the connection on context error unblocks all reads and writes on websocket.
	liveErrGroup.Go(func() error {
		<-ctx.Done()
		_ = ws.Close()
		return ctx.Err()
	})

	liveErrGroup.Go(func() error {
		sub := wsSubBinance{
			Method: "SUBSCRIBE",
			Params: [1]string{strings.ToLower(b.Market) + "@trade"},
			ID:     1,
		}
		frame, err := jsoniter.Marshal(sub)
		if err != nil {
			return err
		}
		if err := ws.Write(frame); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return err
		}
		return b.readWs(ctx, &ws, sink)
	})

	err = liveErrGroup.Wait()
	if appCtx.Err() != nil {
		return appCtx.Err()
	}
	return err
}

// readWs reads trade data from websocket channel.
func (b *Binance) readWs(ctx context.Context, ws *connector.Websocket, sink func(execution.Execution)) error {
	prev := execution.Execution{}
	for {
		select {
		default:
			frame, err := ws.Read()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return ctx.Err()
				}
				if err == io.EOF {
					err = errors.Wrap(err, "connection close by exchange server")
				}
				logErrStack(err)
				return err
			}
			if len(frame) == 0 {
				continue
			}

			wr := wsRespBinance{}
			if err := jsoniter.Unmarshal(frame, &wr); err != nil {
				logErrStack(err)
				return err
			}
			if wr.ID != 0 {
				log.Debug().Str("exchange", "binance").Str("func", "readWs").Str("market", b.Market).Msg("channel subscribed")
				continue
			}
			if wr.Msg != "" {
				log.Error().Str("exchange", "binance").Str("func", "readWs").Int("code", wr.Code).Str("msg", wr.Msg).Msg("")
				return errors.New("binance websocket error")
			}
			if wr.Event != "trade" {
				continue
			}

			e, err := binanceExecution(wr.TradeID, wr.Maker, wr.Price, wr.Qty, wr.TradeTime)
			if err != nil {
				logErrStack(err)
				return err
			}
			e = e.WithConsecutive(execution.Classify(prev, e)).WithDelay(execution.EstimateDelay(e.Date, time.Now()))
			prev = e
			sink(e)

		// Return, if there is any error from another function.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
