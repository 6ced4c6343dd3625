package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"

	"github.com/stake-plus/hayes/src/api"
	"github.com/stake-plus/hayes/src/config"
	"github.com/stake-plus/hayes/src/data"
	"github.com/stake-plus/hayes/src/discord"
	"github.com/stake-plus/hayes/src/modules/builtin"
	"github.com/stake-plus/hayes/src/modules/core"
	"github.com/stake-plus/hayes/src/modules/script"
	"github.com/stake-plus/hayes/src/services"
)

func main() {
	restart, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "hayes: %v\n", err)
		os.Exit(1)
	}
	if restart {
		if err := reexec(); err != nil {
			fmt.Fprintf(os.Stderr, "hayes: restart: %v\n", err)
			os.Exit(1)
		}
	}
}

// reexec replaces the process with a fresh copy of the same binary.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// run starts the bot and blocks until it stops. restart reports that an
// owner asked for the process to be replaced.
func run(args []string) (restart bool, err error) {
	cfg, err := config.Load(args)
	if err != nil {
		return false, err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		db        *gorm.DB
		observers []core.Observer
	)
	if cfg.MySQLDSN != "" {
		db, err = data.ConnectMySQL(cfg.MySQLDSN, log)
		if err != nil {
			return false, fmt.Errorf("db: %w", err)
		}
		if err := data.Migrate(db); err != nil {
			return false, fmt.Errorf("db migrate: %w", err)
		}
		settings := data.NewSettings(db)
		if err := settings.Load(); err != nil {
			log.Warn("config: settings table unavailable, using file and env", slog.Any("error", err))
		} else if unknown := cfg.ApplySettings(settings.All()); len(unknown) > 0 {
			log.Debug("config: ignoring unknown settings", slog.Any("names", unknown))
		}
		observers = append(observers, data.NewRecorder(db, log))
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	if level, err := config.ParseLevel(cfg.LogLevel); err == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(log)
	}

	var svcs []services.Service
	if cfg.RedisURL != "" {
		rdb, err := data.NewRedis(cfg.RedisURL)
		if err != nil {
			return false, err
		}
		observers = append(observers, data.NewStreamPublisher(rdb, cfg.Stream, log))
		svcs = append(svcs, services.Func{
			ServiceName: "redis",
			OnStop:      func(context.Context) { _ = rdb.Close() },
		})
	}

	var (
		transport core.Transport
		local     *core.LocalTransport
		session   *discordgo.Session
	)
	if cfg.Console {
		local = core.NewLocalTransport(ctx)
		transport = local
	} else {
		session, err = discord.NewSession(cfg.Token, log)
		if err != nil {
			return false, err
		}
		transport = discord.NewTransport(ctx, session, discord.SessionUser(session), log, discord.WithGuild(cfg.GuildID))
	}

	rt, err := core.NewRuntime(core.Options{
		Transport: transport,
		Owners:    core.NewOwners(cfg.Owners...),
		Logger:    log,
		Observers: observers,
	})
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(cfg.ModuleDir, 0o755); err != nil {
		return false, fmt.Errorf("module dir: %w", err)
	}
	loader := core.NewLoader(rt, cfg.ModuleDir, []core.Source{script.NewSource()}, core.WithInitFile(cfg.InitFile))
	var restarting atomic.Bool
	loader.Register(builtin.New(loader,
		builtin.WithCompiler(script.SourceExt, script.CompileFile, script.CompiledName),
		builtin.WithShutdown(cancel),
		builtin.WithRestart(func() {
			restarting.Store(true)
			cancel()
		}),
	))

	svcs = append(svcs, services.Func{
		ServiceName: "modules",
		OnStart: func(ctx context.Context) error {
			if err := loader.HookBuiltins(ctx); err != nil {
				return err
			}
			if err := loader.HookAll(ctx); err != nil {
				// Individual failures are already logged; the bot runs with what loaded.
				log.Warn("modules: some modules failed to hook", slog.Any("error", err))
			}
			log.Info("modules: ready",
				slog.Int("modules", rt.CountModules()),
				slog.Int("files", loader.CountPlugins()))
			return nil
		},
		OnStop: func(ctx context.Context) {
			if err := rt.Close(ctx); err != nil {
				log.Warn("modules: close failed", slog.Any("error", err))
			}
		},
	})
	if session != nil {
		svcs = append(svcs, services.Func{
			ServiceName: "discord",
			OnStart: func(context.Context) error {
				if err := session.Open(); err != nil {
					return fmt.Errorf("failed to open Discord connection: %w", err)
				}
				return nil
			},
			OnStop: func(context.Context) { _ = session.Close() },
		})
	}
	if cfg.APIAddr != "" {
		svcs = append(svcs, apiService(cfg, loader, db, log, cancel))
	}

	manager := services.NewManager(log, svcs...)
	if err := manager.Start(ctx); err != nil {
		return false, err
	}
	defer manager.Stop(context.Background())

	if local != nil {
		sender := ""
		if ids := rt.Owners().IDs(); len(ids) > 0 {
			sender = ids[0]
		}
		err = console(ctx, local, os.Stdin, os.Stdout, sender)
		return restarting.Load(), err
	}
	<-ctx.Done()
	return restarting.Load(), nil
}

// apiService runs the admin server on its own context so Stop can end it
// before the modules it serves are unhooked.
func apiService(cfg *config.Config, loader *core.Loader, db *gorm.DB, log *slog.Logger, onFail context.CancelFunc) services.Service {
	var (
		stop context.CancelFunc
		done chan struct{}
	)
	return services.Func{
		ServiceName: "api",
		OnStart: func(ctx context.Context) error {
			var apiCtx context.Context
			apiCtx, stop = context.WithCancel(ctx)
			done = make(chan struct{})
			go func() {
				defer close(done)
				err := api.Serve(apiCtx, loader, api.Options{
					Addr:      cfg.APIAddr,
					JWTSecret: cfg.JWTSecret,
					Origins:   cfg.AllowOrigins,
					RateLimit: cfg.APIRateLimit,
					DB:        db,
					Logger:    log,
				})
				if err != nil {
					log.Error("api: server stopped", slog.Any("error", err))
					onFail()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) {
			stop()
			<-done
		},
	}
}

// console feeds stdin lines to the transport as messages from sender and
// prints replies. It returns at EOF or when ctx is done.
func console(ctx context.Context, t *core.LocalTransport, in io.Reader, out io.Writer, sender string) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		errCh <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			t.Wait()
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil
		case line := <-lines:
			t.Publish(core.EventNewMessage, &core.Message{
				Content: line,
				Sender:  sender,
				Origin:  sender,
				Channel: "console",
				OnReply: func(text string) error {
					_, err := fmt.Fprintln(out, text)
					return err
				},
			})
			t.Wait()
		}
	}
}
