package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v7"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tradelog/internal/config"
	"github.com/pkg/errors"
)

// ElasticSearch is for connecting and indexing data to elastic search.
type ElasticSearch struct {
	ES        *elasticsearch.Client
	IndexName string
	Cfg       *config.ES
}

var (
	esMu          sync.Mutex
	elasticSearch *ElasticSearch
)

// InitElasticSearch initializes elastic search connection with configured values.
func InitElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	esMu.Lock()
	defer esMu.Unlock()
	if elasticSearch == nil {
		es, err := NewElasticSearch(cfg)
		if err != nil {
			return nil, err
		}
		elasticSearch = es
	}
	return elasticSearch, nil
}

// GetElasticSearch returns already prepared elastic search instance.
func GetElasticSearch() *ElasticSearch {
	esMu.Lock()
	defer esMu.Unlock()
	return elasticSearch
}

// NewElasticSearch creates a client and pings the cluster.
func NewElasticSearch(cfg *config.ES) (*ElasticSearch, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: t,
	}
	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var ctx context.Context
	if cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = context.Background()
	}
	resp, err := es.Ping(es.Ping.WithContext(ctx))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, errors.Errorf("ping : %v", resp.Status())
	}
	return &ElasticSearch{ES: es, IndexName: cfg.IndexName, Cfg: cfg}, nil
}

// esData holds one execution which will be sent to elastic search.
type esData struct {
	Exchange    string    `json:"exchange"`
	Market      string    `json:"market"`
	TradeID     int64     `json:"trade_id"`
	Side        string    `json:"side"`
	Size        string    `json:"size"`
	Price       string    `json:"price"`
	Consecutive int8      `json:"consecutive"`
	Delay       int8      `json:"delay"`
	Timestamp   time.Time `json:"timestamp"`
	CreatedAt   time.Time `json:"created_at"`
}

// esMeta is the bulk action of one document. The document id makes a repeated commit harmless.
type esMeta struct {
	Index struct {
		ID string `json:"_id"`
	} `json:"index"`
}

// CommitTrades batch inserts input trade data to elastic search.
func (e *ElasticSearch) CommitTrades(appCtx context.Context, data []Trade) error {
	var buf bytes.Buffer
	for _, trade := range data {
		var meta esMeta
		meta.Index.ID = trade.Exchange + "-" + trade.MktCommitName + "-" + strconv.FormatInt(trade.ID, 10)
		metaBytes, err := jsoniter.Marshal(meta)
		if err != nil {
			return errors.WithStack(err)
		}
		ed := esData{
			Exchange:    trade.Exchange,
			Market:      trade.MktCommitName,
			TradeID:     trade.ID,
			Side:        trade.Orientation.String(),
			Size:        trade.Size.String(),
			Price:       trade.Price.String(),
			Consecutive: int8(trade.Consecutive),
			Delay:       int8(trade.Delay),
			Timestamp:   trade.Date,
			CreatedAt:   time.Now().UTC(),
		}
		esBytes, err := jsoniter.Marshal(ed)
		if err != nil {
			return errors.WithStack(err)
		}
		buf.Grow(len(metaBytes) + len(esBytes) + 2)
		buf.Write(metaBytes)
		buf.WriteByte('\n')
		buf.Write(esBytes)
		buf.WriteByte('\n')
	}
	var ctx context.Context
	if e.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(e.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}
	resp, err := e.ES.Bulk(bytes.NewReader(buf.Bytes()), e.ES.Bulk.WithIndex(e.IndexName), e.ES.Bulk.WithContext(ctx))
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("code : %v, status : %v", resp.StatusCode, resp.Status())
	}
	var result struct {
		Errors bool `json:"errors"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := jsoniter.Unmarshal(body, &result); err != nil {
		return errors.WithStack(err)
	}
	if result.Errors {
		return errors.New("bulk request has failed items")
	}
	return nil
}
