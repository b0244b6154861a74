package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/jobstats/app/service"
	"github.com/umputun/jobstats/app/store"
	"github.com/umputun/jobstats/app/web"
)

var opts struct {
	Store struct {
		Type        string `long:"type" env:"TYPE" choice:"sqlite" choice:"postgres" choice:"local" default:"sqlite" description:"storage backend"`
		SQLite      string `long:"sqlite" env:"SQLITE" default:"jobstats.db" description:"sqlite database file"`
		Postgres    string `long:"postgres" env:"POSTGRES" description:"postgres connection string"`
		KV          string `long:"kv" env:"KV" choice:"file" choice:"redis" choice:"memory" default:"file" description:"medium of the local backend"`
		File        string `long:"file" env:"FILE" default:"jobstats.json" description:"local backend file"`
		RedisURL    string `long:"redis-url" env:"REDIS_URL" default:"redis://localhost:6379/0" description:"local backend redis url"`
		RedisPrefix string `long:"redis-prefix" env:"REDIS_PREFIX" default:"jobstats:" description:"local backend redis key prefix"`
	} `group:"store" namespace:"store" env-namespace:"JOBSTATS_STORE"`

	Retry struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"5" description:"how many times to try opening the store"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial delay between attempts"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"2" description:"backoff factor"`
	} `group:"retry" namespace:"retry" env-namespace:"JOBSTATS_RETRY"`

	Web struct {
		Address    string  `long:"address" env:"ADDRESS" default:":8080" description:"web server listen address"`
		WriteLimit float64 `long:"write-limit" env:"WRITE_LIMIT" default:"10" description:"write requests per second per client"`
	} `group:"web" namespace:"web" env-namespace:"JOBSTATS_WEB"`

	Auth struct {
		Secret    string `long:"secret" env:"SECRET" description:"hmac secret of user tokens, enables multi-user mode"`
		User      string `long:"user" env:"USER" default:"local" description:"user id in single-user mode"`
		FirstName string `long:"first-name" env:"FIRST_NAME" description:"first name in single-user mode"`
		LastName  string `long:"last-name" env:"LAST_NAME" description:"last name in single-user mode"`
	} `group:"auth" namespace:"auth" env-namespace:"JOBSTATS_AUTH"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"write logs to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"logs/jobstats.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"30" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"JOBSTATS_LOG"`

	Dbg bool `long:"dbg" env:"JOBSTATS_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("jobstats %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals(cancel) // handle SIGQUIT, SIGINT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
	log.Printf("[INFO] terminated")
}

// run opens the store, prepares ledger and blocks on the web server until ctx is canceled
func run(ctx context.Context) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if e := st.Close(); e != nil {
			log.Printf("[WARN] failed to close store, %v", e)
		}
	}()

	ledger := service.NewLedger(st)
	if err := ledger.Init(ctx); err != nil {
		return err
	}

	singleUser := store.User{ID: opts.Auth.User, FirstName: opts.Auth.FirstName, LastName: opts.Auth.LastName}
	if opts.Auth.Secret == "" {
		// single-user sessions reference this user in the relational backend
		if _, err := ledger.SyncUser(ctx, singleUser); err != nil {
			return fmt.Errorf("failed to register single user: %w", err)
		}
		log.Printf("[INFO] single-user mode, user %q", singleUser.ID)
	}

	srv, err := web.New(web.Config{
		Ledger:     ledger,
		AuthSecret: opts.Auth.Secret,
		SingleUser: singleUser,
		Version:    revision,
		WriteLimit: opts.Web.WriteLimit,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, opts.Web.Address)
}

// openStore makes the configured backend, retrying with backoff while storage is not reachable
func openStore(ctx context.Context) (st store.Store, err error) {
	rptr := repeater.New(&strategy.Backoff{Repeats: max(opts.Retry.Attempts, 1), Duration: opts.Retry.Duration,
		Factor: opts.Retry.Factor, Jitter: true})

	err = rptr.Do(ctx, func() error {
		var e error
		if st, e = makeStore(ctx); e != nil {
			log.Printf("[WARN] failed to open %s store, %v", opts.Store.Type, e)
		}
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", opts.Store.Type, err)
	}
	log.Printf("[INFO] %s store opened", opts.Store.Type)
	return st, nil
}

func makeStore(ctx context.Context) (store.Store, error) {
	switch opts.Store.Type {
	case "sqlite":
		return store.NewSQLiteStore(opts.Store.SQLite)
	case "postgres":
		if opts.Store.Postgres == "" {
			return nil, errors.New("postgres connection string is required")
		}
		return store.NewPostgresStore(ctx, opts.Store.Postgres)
	case "local":
		kv, err := makeKV(ctx)
		if err != nil {
			return nil, err
		}
		st, err := store.NewKVStore(ctx, kv)
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store type %q", opts.Store.Type)
}

func makeKV(ctx context.Context) (store.KV, error) {
	switch opts.Store.KV {
	case "file":
		return store.NewFileKV(opts.Store.File)
	case "redis":
		return store.NewRedisKV(ctx, opts.Store.RedisURL, opts.Store.RedisPrefix)
	case "memory":
		log.Printf("[WARN] memory storage, sessions are lost on restart")
		return store.NewMemoryKV(), nil
	}
	return nil, fmt.Errorf("unknown kv medium %q", opts.Store.KV)
}

// setupLogs configures lgr and returns the destination, rotated file if enabled
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(out), log.Err(out)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
}
