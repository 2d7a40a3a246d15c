package initializer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/milkywaybrain/tradelog/internal/config"
	"github.com/milkywaybrain/tradelog/internal/connector"
	"github.com/milkywaybrain/tradelog/internal/daylog"
	"github.com/milkywaybrain/tradelog/internal/exchange"
	"github.com/milkywaybrain/tradelog/internal/orchestrator"
	"github.com/milkywaybrain/tradelog/internal/scheduler"
	"github.com/milkywaybrain/tradelog/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// terminalOut is where the terminal storage displays trades.
var terminalOut io.Writer = os.Stdout

// progressEvery is the number of executions between two progress logs of a market.
const progressEvery = 10000

// Start will initialize various required systems and then execute the app.
func Start(mainCtx context.Context, cfg *config.Config) error {

	// Setting up logger.
	// If the path given in the config for logging ends with .log then create a log file with the same name and
	// write log messages to it. Otherwise, create a new log file with a timestamp attached to it's name in the given path.
	var (
		logFile *os.File
		err     error
	)
	if strings.HasSuffix(cfg.Log.FilePath, ".log") {
		logFile, err = os.OpenFile(cfg.Log.FilePath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return fmt.Errorf("not able to open or create log file: %v", cfg.Log.FilePath)
		}
	} else {
		logFile, err = os.Create(cfg.Log.FilePath + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log")
		if err != nil {
			return fmt.Errorf("not able to create log file: %v", cfg.Log.FilePath+"_"+strconv.Itoa(int(time.Now().Unix()))+".log")
		}
	}
	defer logFile.Close()

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch cfg.Log.Level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	fileLogger := zerolog.New(logFile).With().Timestamp().Logger()
	log.Logger = fileLogger
	log.Info().Msg("logger setup is done")

	// Establish connections to different storage systems.
	if err = connectStorages(cfg); err != nil {
		return err
	}
	rest := connector.NewREST(&cfg.Connection.REST)

	// All the disk writes, compactions and repairs of every market run on one worker.
	sched := scheduler.New("tradelog")
	defer sched.Close()

	// Start each market function. If any market fails after retry, force all the other markets to stop and
	// exit the app.
	appErrGroup, appCtx := errgroup.WithContext(mainCtx)

	for _, exch := range cfg.Exchanges {
		exch := exch
		for _, market := range exch.Markets {
			market := market
			adapter, err := newAdapter(&exch, market.ID, rest, &cfg.Connection)
			if err != nil {
				log.Error().Stack().Err(errors.WithStack(err)).Msg("")
				return err
			}
			appErrGroup.Go(func() error {
				return runMarket(appCtx, cfg, &exch, &market, adapter, sched)
			})
		}
	}

	err = appErrGroup.Wait()
	if err != nil {
		log.Error().Msg("exiting the app")
		return err
	}
	return nil
}

// connectStorages initializes every storage used by a market, once.
func connectStorages(cfg *config.Config) error {
	used := make(map[string]bool)
	for _, exch := range cfg.Exchanges {
		for _, market := range exch.Markets {
			for _, str := range market.Storages {
				used[str] = true
			}
			if market.Repository != "" {
				used[market.Repository] = true
			}
		}
	}
	var err error
	if used["terminal"] {
		_ = storage.InitTerminal(terminalOut)
		log.Info().Msg("terminal connected")
	}
	if used["mysql"] {
		_, err = storage.InitMySQL(&cfg.Connection.MySQL)
		if err != nil {
			err = errors.Wrap(err, "mysql connection")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		log.Info().Msg("mysql connected")
	}
	if used["sqlite"] {
		_, err = storage.InitSQLite(&cfg.Connection.SQLite)
		if err != nil {
			err = errors.Wrap(err, "sqlite connection")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		log.Info().Msg("sqlite connected")
	}
	if used["elastic_search"] {
		_, err = storage.InitElasticSearch(&cfg.Connection.ES)
		if err != nil {
			err = errors.Wrap(err, "elastic search connection")
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
			return err
		}
		log.Info().Msg("elastic search connected")
	}
	return nil
}

func newAdapter(exch *config.Exchange, market string, rest *connector.REST, connCfg *config.Connection) (exchange.Adapter, error) {
	switch exch.Name {
	case "binance":
		b := exchange.NewBinance(market, rest, connCfg, exch.Retry)
		if exch.RESTURL != "" {
			b.RESTBaseURL = exch.RESTURL
		}
		if exch.WebsocketURL != "" {
			b.WebsocketURL = exch.WebsocketURL
		}
		return b, nil
	}
	return nil, errors.Errorf("unknown exchange %q", exch.Name)
}

// newMirror creates the mirror of the storages configured for the market.
func newMirror(cfg *config.Config, exch *config.Exchange, market *config.Market) *storage.Mirror {
	mirror := storage.NewMirror(exch.Name, market.ID, market.CommitName)
	for _, str := range market.Storages {
		switch str {
		case "terminal":
			mirror.Add(str, storage.GetTerminal(), cfg.Connection.Terminal.TradeCommitBuf)
		case "mysql":
			mirror.Add(str, storage.GetMySQL(), cfg.Connection.MySQL.TradeCommitBuf)
		case "sqlite":
			mirror.Add(str, storage.GetSQLite(), cfg.Connection.SQLite.TradeCommitBuf)
		case "elastic_search":
			mirror.Add(str, storage.GetElasticSearch(), cfg.Connection.ES.TradeCommitBuf)
		}
	}
	return mirror
}

func storeOptions(cfg *config.Config, exch *config.Exchange, market *config.Market, sched *scheduler.Scheduler) (daylog.Options, error) {
	opts := daylog.Options{
		Dir:               cfg.Storage.Dir,
		Exchange:          exch.Name,
		Market:            market.ID,
		Scheduler:         sched,
		PageSize:          market.PageSize,
		FlushInitialDelay: time.Duration(cfg.Storage.FlushInitialDelaySec) * time.Second,
		FlushInterval:     time.Duration(cfg.Storage.FlushIntervalSec) * time.Second,
		CompactDelay:      time.Duration(cfg.Storage.CompactDelaySec) * time.Second,
	}
	if market.SizeIncrement != "" {
		inc, err := decimal.NewFromString(market.SizeIncrement)
		if err != nil {
			return opts, errors.Wrapf(err, "%s %s : size_increment", exch.Name, market.ID)
		}
		opts.SizeIncrement = inc
	}
	switch market.Repository {
	case "mysql":
		opts.Repository = storage.GetMySQL().Repository(exch.Name, market.CommitName)
	case "sqlite":
		opts.Repository = storage.GetSQLite().Repository(exch.Name, market.CommitName)
	}
	return opts, nil
}

// runMarket replays the stored days of the market and keeps following the exchange.
func runMarket(appCtx context.Context, cfg *config.Config, exch *config.Exchange, market *config.Market, adapter exchange.Adapter, sched *scheduler.Scheduler) error {
	mirror := newMirror(cfg, exch, market)
	storeOpts, err := storeOptions(cfg, exch, market, sched)
	if err != nil {
		logErrStack(err)
		return err
	}
	if mirror.Len() > 0 {
		storeOpts.OnPersist = mirror.Persisted
	}
	l, err := orchestrator.New(orchestrator.Options{
		Adapter:    adapter,
		Store:      storeOpts,
		RetryLimit: exch.Retry.Number,
	})
	if err != nil {
		logErrStack(err)
		return err
	}
	defer func() {
		if err := l.Close(); err != nil {
			logErrStack(err)
		}
	}()

	if cfg.Storage.CheckupOnStart {
		incomplete, err := l.Store().Checkup(appCtx)
		if err != nil {
			return err
		}
		for _, date := range incomplete {
			log.Warn().Str("exchange", exch.Name).Str("market", market.ID).Time("date", date).Msg("day log is incomplete")
		}
	}

	// If any function fails, force the other one to stop and return.
	marketErrGroup, ctx := errgroup.WithContext(appCtx)

	if mirror.Len() > 0 {
		marketErrGroup.Go(func() error {
			return mirror.Run(ctx)
		})
	}
	marketErrGroup.Go(func() error {
		return follow(ctx, l, exch.Name, market)
	})
	return marketErrGroup.Wait()
}

// follow reads the market from the configured day on, forever.
func follow(ctx context.Context, l *orchestrator.Log, exchName string, market *config.Market) error {
	it, err := l.FromLast(market.FromDaysAgo)
	if err != nil {
		logErrStack(err)
		return err
	}
	defer it.Close()

	log.Info().Str("exchange", exchName).Str("market", market.ID).Int("from_days_ago", market.FromDaysAgo).Msg("market started")
	var count int64
	for {
		e, err := it.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logErrStack(err)
			return err
		}
		count++
		if count%progressEvery == 0 {
			log.Info().Str("exchange", exchName).Str("market", market.ID).Int64("id", e.ID).Time("date", e.Date).Int64("count", count).Msg("executions read")
		}
	}
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
