// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// municigraph serves the municipal zoning knowledge graph over HTTP.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/civicatlas/municigraph/pkg/logging"
	"github.com/civicatlas/municigraph/services/knowledge/citations"
	"github.com/civicatlas/municigraph/services/knowledge/config"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
	"github.com/civicatlas/municigraph/services/knowledge/ingest"
	"github.com/civicatlas/municigraph/services/knowledge/llm"
	"github.com/civicatlas/municigraph/services/knowledge/query"
	"github.com/civicatlas/municigraph/services/knowledge/routes"
	"github.com/civicatlas/municigraph/services/knowledge/search"
	"github.com/civicatlas/municigraph/services/knowledge/summary"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("knowledge-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "knowledge",
		LogDir:  os.Getenv("MUNICIGRAPH_LOG_DIR"),
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ctx := context.Background()
	store, err := graph.NewAGEStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("failed to connect to the graph store: %v", err)
	}
	defer store.Close()

	client, err := llm.NewOllamaClient(cfg.Ollama.BaseURL, cfg.Ollama.Model, cfg.Ollama.Timeout)
	if err != nil {
		log.Fatalf("failed to configure the model client: %v", err)
	}
	model := llm.NewService(client)

	pipeline := ingest.NewPipeline(store, citations.NewExtractor(slog.Default()))
	builder := summary.NewBuilder(store, model, summary.Config{
		MaxPasses: cfg.Builder.MaxPasses,
		FanOut:    cfg.Builder.FanOut,
	})
	engine := search.NewEngine(store, model, search.Config{
		DefaultTopK: cfg.Search.TopK,
		TiePolicy:   search.TiePolicy(cfg.Search.TiePolicy),
	})
	facade := query.NewFacade(store)

	router := gin.Default()
	router.Use(otelgin.Middleware("knowledge-service"))
	routes.SetupRoutes(router, pipeline, builder, engine, facade)

	slog.Info("Starting the knowledge service", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
