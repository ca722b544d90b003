package main

import (
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"

	"github.com/salahudeenofficial/qwen-production/common/consul"
	"github.com/salahudeenofficial/qwen-production/common/tracing"
	"github.com/salahudeenofficial/qwen-production/gpu_server/daemon"
	"github.com/salahudeenofficial/qwen-production/gpu_server/domain"
	"github.com/salahudeenofficial/qwen-production/gpu_server/invoker"
)

const (
	ServiceName = "gpu-server"
)

var (
	options      = domain.GpuServerOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.Port = domain.DefaultServerPort
}

// Create and run the debug HTTP server. The blank import of net/http/pprof above
// registers the profiling endpoints on the default mux.
//
// Important: this should be called from its own goroutine.
func createAndStartDebugHttpServer() {
	address := fmt.Sprintf(":%d", options.DebugPort)
	log.Printf("Serving debug HTTP server: %s\n", address)

	if err := http.ListenAndServe(address, nil); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func main() {
	defer finalize(false)

	var done sync.WaitGroup

	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	globalLogger.Info("Starting %s node %s with options: %s", ServiceName, options.NodeId, options.String())

	if options.JaegerAddr != "" {
		globalLogger.Info("Initializing jaeger agent [service name: %v | host: %v]...", ServiceName, options.JaegerAddr)

		if _, err = tracing.Init(ServiceName, options.JaegerAddr); err != nil {
			log.Fatalf("Got error while initializing jaeger agent: %v", err)
		}
		globalLogger.Info("Jaeger agent initialized")
	}

	var consulClient *consul.Client
	if options.ConsulAddr != "" {
		globalLogger.Info("Initializing consul agent [host: %v]...", options.ConsulAddr)
		consulClient, err = consul.NewClient(options.ConsulAddr)
		if err != nil {
			log.Fatalf("Got error while initializing consul agent: %v", err)
		}
		globalLogger.Info("Consul agent initialized")
	}

	if options.DebugMode {
		go createAndStartDebugHttpServer()
	}

	var engineInvoker invoker.EngineInvoker
	if options.SimulateInference {
		engineInvoker = invoker.NewSimulatedEngineInvoker(
			time.Duration(options.SimulatedInferenceMs)*time.Millisecond, options.OutputDirectory)
	} else {
		engineInvoker = invoker.NewHttpEngineInvoker(options.EngineEndpoint, options.OutputDirectory)
	}

	srv, err := daemon.New(&options, engineInvoker)
	if err != nil {
		log.Fatalf("Failed to initialize the GPU server daemon: %v", err)
	}

	// Register the node in consul so that upstream dispatchers can discover it.
	if consulClient != nil {
		registrationId := uuid.NewString()
		if err = consulClient.Register(ServiceName, registrationId, "", options.Port); err != nil {
			log.Fatalf("Failed to register in consul: %v", err)
		}
		globalLogger.Info("Successfully registered in consul")

		defer func() {
			if err := consulClient.Deregister(registrationId); err != nil {
				globalLogger.Warn("Failed to deregister from consul: %v", err)
			}
		}()
	}

	// Start detecting stop signals.
	done.Add(1)
	go func() {
		<-sig
		globalLogger.Info("Shutting down...")
		if err := srv.Close(); err != nil {
			globalLogger.Error("Error during shutdown: %v", err)
		}
		done.Done()
	}()

	// Start the HTTP daemon.
	go func() {
		defer finalize(true)
		if err := srv.Start(); err != nil {
			log.Fatalf("Error during daemon serving: %v", err)
		}
	}()

	done.Wait()
}

func finalize(fix bool) {
	if !fix {
		return
	}

	if err := recover(); err != nil {
		globalLogger.Error("%v", err)
	}

	sig <- syscall.SIGINT
}
