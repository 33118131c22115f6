// Package scheduler provides a reusable CI scheduling core that can be embedded into other Go applications.
//
// # Overview
//
// The scheduler owns the job-dependency resolution and stage-progression
// logic of a CI system: it creates pipelines from definitions, advances
// them stage by stage as jobs finish, resolves each job's local and
// cross-pipeline dependencies, serializes jobs that share a resource
// group, and runs the claim/heartbeat/ack handshake that prevents a
// pending job from being dispatched to two runners.
//
// # Basic Usage
//
// Create a scheduler programmatically:
//
//	cfg := &scheduler.Config{
//		Server: scheduler.ServerConfig{
//			Port:         8080,
//			ReadTimeout:  30 * time.Second,
//			WriteTimeout: 30 * time.Second,
//		},
//		Auth: scheduler.AuthConfig{
//			APIKeys: []scheduler.APIKey{
//				{Name: "my-app", Key: "secret-key-here"},
//			},
//		},
//		Redis: scheduler.RedisConfig{
//			Addr: "localhost:6379",
//		},
//		Pipelines: defs, // map[string]*pipeline.Definition
//		Logging: scheduler.LoggingConfig{
//			Level:  "info",
//			Format: "json",
//		},
//	}
//
//	sched, err := scheduler.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := sched.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Using with Existing HTTP Server
//
// Integrate the scheduler into an existing HTTP server:
//
//	sched, err := scheduler.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Mount the scheduler under a specific path
//	mux := http.NewServeMux()
//	mux.Handle("/ci/", http.StripPrefix("/ci", sched.Handler()))
//
// # Programmatic Access
//
// Drive the core directly without HTTP:
//
//	svc := sched.Service()
//	p, err := svc.TriggerPipeline(ctx, "build-test-deploy", service.TriggerOptions{Ref: "main"})
//
// # Configuration Files
//
// NewFromEnv loads the server config and pipeline definitions from YAML
// files, expanding ${ENV_VAR} references inside them:
//
//	sched, err := scheduler.NewFromEnv("configs/scheduler.yaml", "configs/pipelines.yaml")
package scheduler
