package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/appwharf/appwharf/core/access"
	"github.com/appwharf/appwharf/core/backend"
	"github.com/appwharf/appwharf/core/csql"
	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/realtime"
	"github.com/appwharf/appwharf/core/registry"
	"github.com/appwharf/appwharf/core/schema"
	"github.com/appwharf/appwharf/core/storage"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
//
// An empty POSTGRES runs the service on the in-memory adapter, which is
// only useful for development.
type Service struct {
	Postgres     string `env:"POSTGRES" description:"the connection string for the Postgres DB, empty for in-memory"`
	Port         string `env:"PORT,default=3000" description:"the port the service listens on"`
	AdminKey     string `env:"ADMIN_KEY,required" description:"the signing key for admin bearer tokens"`
	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma-separated Kafka brokers for the event mirror, empty to disable"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=appwharf-events" description:"the Kafka topic for the event mirror"`
	LogLevel     string `env:"LOG_LEVEL,default=info" description:"the log level"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)

	schemas, err := schema.NewValidator(nil, nil)
	if err != nil {
		panic(err)
	}

	var store backend.AdminStorage
	var schemaStore backend.SchemaStore
	if service.Postgres != "" {
		db := csql.OpenWithSchema(service.Postgres, "appwharf")
		defer db.Close()
		store = storage.NewPostgres(db)

		// schemas uploaded through the admin API survive restarts
		schemaRegistry := registry.New(db).Accessor("schema")
		schemaStore = schemaRegistry
		persisted, err := schemaRegistry.ReadAll()
		if err != nil {
			panic(err)
		}
		for id, doc := range persisted {
			if _, err := schemas.Add(string(doc)); err != nil {
				logger.Default().WithError(err).Errorf("cannot restore schema %s", id)
			}
		}
	} else {
		logger.Default().Warn("no postgres configured, running on in-memory storage")
		store = storage.NewMemory()
	}

	fns := fn.NewRegistry()
	registerBuiltinHandlers(fns)

	cache := access.NewTokenCache()
	diagnostic := realtime.NewDiagnosticChannel(store, cache)
	mirrors := []realtime.Mirror{diagnostic}
	if service.KafkaBrokers != "" {
		kafkaMirror := realtime.NewKafkaMirror(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer kafkaMirror.Close()
		mirrors = append(mirrors, kafkaMirror)
	}

	hub := realtime.New(&realtime.Builder{
		Storage:    store,
		Functions:  fns,
		TokenCache: cache,
		Mirrors:    mirrors,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)

	backend.NewAdminAPI(&backend.AdminBuilder{
		Storage:     store,
		Router:      router,
		Key:         []byte(service.AdminKey),
		TokenCache:  cache,
		Callbacks:   hub.Callbacks(),
		Schemas:     schemas,
		SchemaStore: schemaStore,
	})

	router.Handle("/events", hub)
	router.Handle("/all_events", diagnostic)

	// the dynamic resource routes come last, their catch-all swallows
	// everything
	appRouter := router.NewRoute().Subrouter()
	backend.New(&backend.Builder{
		Storage:           store,
		Functions:         fns,
		Router:            appRouter,
		Notifier:          hub,
		TokenCache:        cache,
		Schemas:           schemas,
		EnableCORS:        true,
		EnableCompression: true,
	})

	logger.Default().Infoln("listen on port :" + service.Port)
	server := &http.Server{
		Addr:              ":" + service.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Default().WithError(err).Fatal("server stopped")
	}
}

// registerBuiltinHandlers installs the handlers stored configuration may
// reference by name. Deployments with tenant-specific logic link their own
// handlers in here.
func registerBuiltinHandlers(fns *fn.Registry) {
	// takes the instance identity from the "id" query parameter
	fns.RegisterIdentifier("id_from_query", func(r *fn.Request) (*storage.InstanceID, error) {
		id := r.Query.Get("id")
		if id == "" {
			return nil, nil
		}
		return &storage.InstanceID{Value: id}, nil
	})

	// strips attributes with a leading underscore from responses
	fns.RegisterProxy("hide_private_fields", func(instance storage.Instance) storage.Instance {
		result := storage.Instance{}
		for k, v := range instance {
			if !strings.HasPrefix(k, "_") {
				result[k] = v
			}
		}
		return result
	})

	// echoes inbound ping messages back to the application's clients
	fns.RegisterCallback("echo", func(ctx *fn.CallbackContext) *fn.CallbackResult {
		return &fn.CallbackResult{EventName: ctx.Event + "_echo", EventData: ctx.Data}
	})
}
