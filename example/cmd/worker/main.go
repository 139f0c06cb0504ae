package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"goa.design/postpipe/example"
	registryfile "goa.design/postpipe/features/agentregistry/file"
	relaypulse "goa.design/postpipe/features/relay/pulse"
	clientspulse "goa.design/postpipe/features/relay/pulse/clients/pulse"
	"goa.design/postpipe/features/runstate"
	"goa.design/postpipe/runtime/agent"
	"goa.design/postpipe/runtime/pipeline"
	"goa.design/postpipe/runtime/transport/durable"
	"goa.design/postpipe/runtime/transport/relay"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		brandF  = flag.String("brand", "brand-demo", "Brand id for the demo run")
		planF   = flag.String("plan", "plan-demo", "Post plan id for the demo run")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := example.LoadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "worker starting"}, log.KV{K: "transport", V: cfg.Transport})

	store, closeStore, err := runstate.Open(ctx, cfg.RunState)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer func() {
		if err := closeStore(context.Background()); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close run state backend"})
		}
	}()

	providers := &example.Providers{Latency: cfg.ProviderLatency}
	executor := pipeline.NewExecutor()
	activities := &pipeline.Activities{
		Store:     store,
		Content:   providers,
		Media:     providers,
		Publisher: providers,
	}
	if err := activities.Register(executor); err != nil {
		log.Fatal(ctx, err)
	}
	machine := pipeline.NewMachine(store, executor)

	if err := resolveAgents(ctx, cfg.AgentsDir); err != nil {
		log.Fatal(ctx, err)
	}

	switch cfg.Transport {
	case example.TransportLocal:
		err = runLocal(ctx, machine, *brandF, *planF)
	case example.TransportPulse:
		err = runPulse(ctx, cfg, machine, *brandF, *planF)
	case example.TransportTemporal:
		err = runTemporal(ctx, cfg, machine, *brandF, *planF)
	}
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "worker exited"})
}

// resolveAgents provisions the logical agents against the in-process backend
// stand-in and registers the document tools they rely on.
func resolveAgents(ctx context.Context, agentsDir string) error {
	registry, err := registryfile.New(agentsDir)
	if err != nil {
		return err
	}
	dispatcher := agent.NewDispatcher()
	if err := agent.RegisterDocumentTools(dispatcher, example.Documents{}); err != nil {
		return err
	}
	resolver := agent.NewResolver(registry, example.NewAgentBackend())
	for _, name := range []string{agent.LogicalCopywriter, agent.LogicalImage} {
		res, err := resolver.Resolve(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve agent %s: %w", name, err)
		}
		log.Print(ctx, log.KV{K: "msg", V: "agent ready"},
			log.KV{K: "logicalName", V: name},
			log.KV{K: "agentId", V: res.Entry.AgentID},
			log.KV{K: "created", V: res.Created})
	}
	log.Print(ctx, log.KV{K: "msg", V: "tools registered"}, log.KV{K: "tools", V: dispatcher.Names()})
	return nil
}

// runLocal drives one run to a terminal phase with an in-process loop.
func runLocal(ctx context.Context, machine *pipeline.Machine, brandID, postPlanID string) error {
	id, err := machine.Start(ctx, brandID, postPlanID, "")
	if err != nil {
		return err
	}
	ctx = log.With(ctx, log.KV{K: "runTraceId", V: id})
	for {
		env, err := machine.Advance(ctx, id)
		if err != nil {
			return err
		}
		view, err := machine.Status(ctx, id)
		if err != nil {
			return err
		}
		log.Print(ctx, log.KV{K: "msg", V: "advanced"},
			log.KV{K: "phase", V: string(view.Phase)},
			log.KV{K: "status", V: string(env.Status)})
		if view.Phase.Terminal() {
			if view.Error != nil {
				return view.Error
			}
			log.Print(ctx, log.KV{K: "msg", V: "run completed"}, log.KV{K: "postRef", V: view.PostRef})
			return nil
		}
	}
}

// runPulse seeds one run on the Redis-backed relay and consumes step messages
// until interrupted.
func runPulse(ctx context.Context, cfg example.Config, machine *pipeline.Machine, brandID, postPlanID string) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	defer rdb.Close()
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	channels, err := relaypulse.NewChannels(relaypulse.Options{Client: pc})
	if err != nil {
		return err
	}
	consumer := relay.NewConsumer(machine, channels, channels)
	worker, err := relaypulse.NewWorker(relaypulse.WorkerOptions{
		Client:   pc,
		Consumer: consumer,
		Errors:   channels,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- worker.Run(ctx) }()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	id, err := consumer.Seed(ctx, brandID, postPlanID, "")
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "msg", V: "run seeded"}, log.KV{K: "runTraceId", V: id})

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	return nil
}

// runTemporal registers the workflow on a Temporal worker and executes one
// run to completion.
func runTemporal(ctx context.Context, cfg example.Config, machine *pipeline.Machine, brandID, postPlanID string) error {
	tc, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("dial temporal: %w", err)
	}
	defer tc.Close()

	driver := durable.New(tc, machine, durable.Options{TaskQueue: cfg.Temporal.TaskQueue})
	if err := driver.Start(); err != nil {
		return err
	}
	defer driver.Stop()

	id, err := machine.Start(ctx, brandID, postPlanID, "")
	if err != nil {
		return err
	}
	run, err := driver.Execute(ctx, id)
	if err != nil {
		return err
	}
	var env pipeline.Envelope
	if err := run.Get(ctx, &env); err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "msg", V: "workflow finished"},
		log.KV{K: "runTraceId", V: id},
		log.KV{K: "status", V: string(env.Status)})
	if env.Error != nil {
		return env.Error
	}
	return nil
}
