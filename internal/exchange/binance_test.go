package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/milkywaybrain/tradelog/internal/config"
	"github.com/milkywaybrain/tradelog/internal/connector"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// binanceHistory serves ids 1..last through the binance REST endpoints.
func binanceHistory(t *testing.T, last int64) *httptest.Server {
	t.Helper()
	trade := func(id int64) string {
		return fmt.Sprintf(`{"id":%d,"price":"100.%d","qty":"0.5","time":%d,"isBuyerMaker":%t,"isBestMatch":true}`,
			id, id%10, 1704067200000+id*1000, id%2 == 0)
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		limit, _ := strconv.ParseInt(q.Get("limit"), 10, 64)
		var from int64
		switch {
		case strings.HasSuffix(r.URL.Path, "/historicalTrades"):
			from, _ = strconv.ParseInt(q.Get("fromId"), 10, 64)
			if from < 1 {
				from = 1
			}
		case strings.HasSuffix(r.URL.Path, "/trades"):
			from = last - limit + 1
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var parts []string
		for id := from; id < from+limit && id <= last; id++ {
			parts = append(parts, trade(id))
		}
		_, _ = w.Write([]byte("[" + strings.Join(parts, ",") + "]"))
	}))
}

func newTestBinance(market string, restURL string, wsURL string) *Binance {
	connCfg := &config.Connection{WS: config.WS{ConnTimeoutSec: 5}, REST: config.REST{ReqTimeoutSec: 5}}
	b := NewBinance(market, connector.NewREST(&connCfg.REST), connCfg, config.Retry{Number: 0})
	b.RESTBaseURL = restURL + "/api/v3/"
	b.WebsocketURL = wsURL
	return b
}

func TestBinanceExecutionsRange(t *testing.T) {
	srv := binanceHistory(t, 50)
	defer srv.Close()
	b := newTestBinance("btcusdt", srv.URL, "")

	executions, err := b.Executions(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, executions, 10)
	assert.Equal(t, int64(11), executions[0].ID)
	assert.Equal(t, int64(20), executions[9].ID)

	e := executions[0]
	assert.Equal(t, execution.Buy, e.Orientation, "odd ids are taker buys")
	assert.Equal(t, "100.1", e.Price.String())
	assert.Equal(t, "0.5", e.Size.String())
	assert.Equal(t, int64(1704067200000+11*1000), e.Millis)
	assert.Equal(t, execution.DelayInestimable, e.Delay)
	assert.Equal(t, execution.Sell, executions[1].Orientation)

	executions, err = b.Executions(context.Background(), 45, 100)
	require.NoError(t, err)
	require.Len(t, executions, 5)
	assert.Equal(t, int64(50), executions[4].ID)
}

func TestBinanceExecutionsBeforeAndLatest(t *testing.T) {
	srv := binanceHistory(t, 50)
	defer srv.Close()
	b := newTestBinance("BTCUSDT", srv.URL, "")

	before, err := b.ExecutionsBefore(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, before, 4)
	assert.Equal(t, int64(1), before[0].ID)
	assert.Equal(t, int64(4), before[3].ID)

	latest, err := b.ExecutionLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(50), latest.ID)
}

func TestBinanceStatusError(t *testing.T) {
	srv := binanceHistory(t, 50)
	defer srv.Close()
	b := newTestBinance("ETHUSDT", srv.URL, "")

	_, err := b.Executions(context.Background(), 0, 10)
	require.Error(t, err)
	var statusErr *connector.StatusError
	assert.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
}

func TestBinanceConnectLive(t *testing.T) {
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		msg, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		subscribed <- string(msg)
		frames := []string{
			`{"result":null,"id":1}`,
			`{"e":"trade","E":1704067200100,"s":"BTCUSDT","t":7,"p":"42000.10","q":"0.01","T":1704067200000,"m":false,"M":true}`,
			`{"e":"trade","E":1704067200100,"s":"BTCUSDT","t":8,"p":"42000.00","q":"0.02","T":1704067200000,"m":false,"M":true}`,
			`{"e":"trade","E":1704067201100,"s":"BTCUSDT","t":9,"p":"41999.50","q":"0.30","T":1704067201000,"m":true,"M":true}`,
		}
		for _, f := range frames {
			if err := wsutil.WriteServerText(conn, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b := newTestBinance("BTCUSDT", srv.URL, "ws"+strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan execution.Execution, 10)
	done := make(chan error, 1)
	go func() {
		done <- b.ConnectLive(ctx, func(e execution.Execution) { received <- e })
	}()

	select {
	case msg := <-subscribed:
		assert.Contains(t, msg, `"btcusdt@trade"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription")
	}

	var got []execution.Execution
	for len(got) < 3 {
		select {
		case e := <-received:
			got = append(got, e)
		case <-time.After(5 * time.Second):
			t.Fatal("live trades not received")
		}
	}
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, execution.Different, got[0].Consecutive)
	assert.Equal(t, execution.SameBuyer, got[1].Consecutive)
	assert.Equal(t, execution.Sell, got[2].Orientation)
	assert.Equal(t, execution.Different, got[2].Consecutive)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ConnectLive did not stop on cancel")
	}
}

func TestBinanceConnectLiveEndsWithConnection(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		id := 7
		if connects.Add(1) > 1 {
			id = 12
		}
		if _, _, err := wsutil.ReadClientData(conn); err != nil {
			return
		}
		frame := fmt.Sprintf(`{"e":"trade","E":1704067200100,"s":"BTCUSDT","t":%d,"p":"42000.10","q":"0.01","T":1704067200000,"m":false,"M":true}`, id)
		_ = wsutil.WriteServerText(conn, []byte(frame))
	}))
	defer srv.Close()

	b := newTestBinance("BTCUSDT", srv.URL, "ws"+strings.TrimPrefix(srv.URL, "http"))
	var got []int64
	err := b.ConnectLive(context.Background(), func(e execution.Execution) { got = append(got, e.ID) })
	require.Error(t, err)
	assert.Equal(t, []int64{7}, got)
	assert.Equal(t, int32(1), connects.Load())
}

func TestRetryPolicyExhausts(t *testing.T) {
	p := &RetryPolicy{Name: "test", Limit: 2, Delay: func(int) time.Duration { return time.Millisecond }}
	calls := 0
	failure := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return failure
	})
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, ErrExhaustedRetries))
	assert.True(t, errors.Is(err, failure))
}

func TestRetryPolicyRecovers(t *testing.T) {
	p := &RetryPolicy{Name: "test", Limit: 5, Delay: func(int) time.Duration { return time.Millisecond }}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	p := NewRetryPolicy(10, "test")
	ctx, cancel := context.WithCancel(context.Background())
	err := p.Do(ctx, func(context.Context) error {
		cancel()
		return errors.New("transient")
	})
	assert.Equal(t, context.Canceled, err)
}

func TestDefaultDelay(t *testing.T) {
	assert.Equal(t, time.Second, DefaultDelay(0))
	assert.Equal(t, 4*time.Second, DefaultDelay(1))
	assert.Equal(t, 841*time.Second, DefaultDelay(28))
	assert.Equal(t, MaxRetryDelay, DefaultDelay(29))
	assert.Equal(t, MaxRetryDelay, DefaultDelay(100))
}
