package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/mohans/taskflow/internal/config"
	"github.com/mohans/taskflow/internal/logger"
	tf "github.com/mohans/taskflow/taskflow"
)

// app holds what every command shares: config, logger, the local cache and
// the sync journal.
type app struct {
	cfgPath string
	output  string

	cfg     *config.Config
	log     *logrus.Entry
	db      *sql.DB
	rdb     *redis.Client
	cache   *tf.Cache
	journal *tf.SQLJournal
}

func (a *app) open(ctx context.Context) error {
	if a.output != "table" && a.output != "yaml" {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger.Init("taskflow", cfg.Log.Level)

	// The journal lives in the sqlite file whichever cache driver is used.
	db, err := tf.OpenSQLite(cfg.Cache.Path)
	if err != nil {
		return err
	}
	a.db = db
	a.journal = tf.NewSQLJournal(db)
	if err := a.journal.Migrate(ctx); err != nil {
		return err
	}

	var kv tf.KV
	switch cfg.Cache.Driver {
	case "redis":
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		kv = tf.NewRedisKV(a.rdb, tf.RedisKVOptions{})
	default:
		sqlKV := tf.NewSQLKV(db)
		if err := sqlKV.Migrate(ctx); err != nil {
			return err
		}
		kv = sqlKV
	}
	a.cache = tf.NewCache(kv)
	a.log.WithField("cache", cfg.Cache.Driver).Debug("cache opened")
	return nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

type loginOptions struct {
	filter      tf.ListFilter
	live        bool
	onReconnect func(context.Context)
}

func (a *app) login(ctx context.Context, opts loginOptions) (*tf.Session, error) {
	api := a.cfg.API
	s, err := tf.Login(ctx, tf.SessionOptions{
		BaseURL:        api.BaseURL,
		WSURL:          api.WSURL,
		Token:          api.Token,
		RefreshToken:   api.RefreshToken,
		UserID:         api.UserID,
		Cache:          a.cache,
		Journal:        a.journal,
		RequestTimeout: api.Timeout,
		HealthPath:     a.cfg.Monitor.HealthPath,
		ProbeTimeout:   a.cfg.Monitor.Timeout,
		ProbeInterval:  a.cfg.Monitor.Interval,
		PageSize:       a.cfg.List.PageSize,
		Filter:         opts.filter,
		LiveEvents:     opts.live,
		OnReconnect:    opts.onReconnect,
		OnTokenRefresh: a.persistToken,
		Logger:         a.log,
	})
	if errors.Is(err, tf.ErrUnauthenticated) {
		return nil, errors.New("not logged in: run `taskflow login` or set TASKFLOW_API_TOKEN")
	}
	return s, err
}

func (a *app) persistToken(tok *oauth2.Token) {
	a.cfg.API.Token = tok.AccessToken
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		a.log.WithError(err).Warn("persist refreshed token")
	}
}
