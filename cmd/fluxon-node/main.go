// Command fluxon-node runs one mesh node: it reads its configuration from
// the environment, brings up the HTTP mesh transport, loads or creates the
// node's Ed25519 identity, and starts the mesh service. Apart from
// internal/logging's FLUXON_LOG_LEVEL, this is the one place in the
// repository that reads os.Getenv — internal/mesh takes every option as a
// constructor argument instead.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fluxon/internal/identity"
	"fluxon/internal/logging"
	"fluxon/internal/mesh"
	"fluxon/internal/operator"
	"fluxon/internal/transport/httptransport"
)

const nodeVersion = "0.1.0"

func main() {
	logging.Init()

	meshAddr := envString("FLUXON_MESH_ADDR", "0.0.0.0:7946")
	operatorAddr := envString("FLUXON_OPERATOR_ADDR", "0.0.0.0:7947")
	healthAddr := envString("FLUXON_HEALTH_ADDR", "0.0.0.0:7948")
	clusterSecret := os.Getenv("FLUXON_CLUSTER_SECRET")
	seedAddr := os.Getenv("FLUXON_SEED_ADDR")
	identityPath := envString("FLUXON_IDENTITY_PATH", "fluxon-identity.seed")
	passphrase := os.Getenv("FLUXON_IDENTITY_PASSPHRASE")

	id, err := loadOrCreateIdentity(identityPath, passphrase)
	if err != nil {
		logging.Error("identity: %v", err)
		os.Exit(1)
	}
	selfID, ok := mesh.PeerIDFromBytes(id.SigningPublicKey())
	if !ok {
		logging.Error("identity produced a public key of the wrong size")
		os.Exit(1)
	}

	cfg := mesh.DefaultConfig()
	cfg.MaxTTL = uint8(envInt("FLUXON_MAX_TTL", int(cfg.MaxTTL)))
	cfg.HighDegreeThreshold = envInt("FLUXON_HIGH_DEGREE_THRESHOLD", cfg.HighDegreeThreshold)
	cfg.RefuseUnsignedSend = envBool("FLUXON_REFUSE_UNSIGNED_SEND", cfg.RefuseUnsignedSend)

	tr := httptransport.NewTransport(selfID, httptransport.Config{
		ListenAddr:    meshAddr,
		ClusterSecret: clusterSecret,
	})

	service, err := mesh.NewMeshService(cfg, tr, id, id, nil)
	if err != nil {
		logging.Error("mesh: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Start(ctx); err != nil {
		logging.Error("mesh: start: %v", err)
		os.Exit(1)
	}

	if seedAddr != "" {
		if err := tr.Join(ctx, seedAddr, id.SigningPublicKey()); err != nil {
			logging.Warn("failed to join via seed %s: %v", seedAddr, err)
		}
	}

	go logIncomingPackets(service)

	opServer := operator.NewServer(service, nodeVersion)
	httpServer := &http.Server{Addr: operatorAddr, Handler: opServer.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("operator: server exited: %v", err)
		}
	}()

	healthServer, grpcServer, err := startHealthService(healthAddr, service)
	if err != nil {
		logging.Error("health: %v", err)
		os.Exit(1)
	}

	logging.Info("fluxon-node online as %s", selfID.Hex())
	logging.Info("  mesh transport: %s", meshAddr)
	logging.Info("  operator surface: %s", operatorAddr)
	logging.Info("  health service: %s", healthAddr)
	if clusterSecret != "" {
		logging.Info("  mesh transport authentication: HMAC-SHA256 (cluster secret configured)")
	} else {
		logging.Info("  mesh transport authentication: none (open mode)")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutting down")
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = opServer.Close()

	if err := service.Dispose(); err != nil {
		logging.Error("mesh: dispose: %v", err)
	}
	cancel()
}

func loadOrCreateIdentity(path, passphrase string) (*identity.Manager, error) {
	if _, err := os.Stat(path); err == nil {
		return identity.Load(path, []byte(passphrase))
	}
	id, err := identity.New()
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if err := id.Save(path, []byte(passphrase)); err != nil {
		return nil, fmt.Errorf("persist new identity: %w", err)
	}
	logging.Info("generated new identity, saved to %s", path)
	return id, nil
}

func logIncomingPackets(service *mesh.MeshService) {
	for pkt := range service.Packets() {
		switch pkt.Type {
		case mesh.PacketTypeChat:
			logging.Info("chat from %s: %s", pkt.SourceID.Hex(), string(pkt.Payload))
		default:
			logging.Debug("packet type %d from %s (%d bytes)", pkt.Type, pkt.SourceID.Hex(), len(pkt.Payload))
		}
	}
}

func startHealthService(addr string, service *mesh.MeshService) (*health.Server, *grpc.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go pollHealthStatus(healthServer, service)
	go func() {
		if err := grpcServer.Serve(ln); err != nil {
			logging.Error("health: grpc server exited: %v", err)
		}
	}()
	return healthServer, grpcServer, nil
}

func pollHealthStatus(healthServer *health.Server, service *mesh.MeshService) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		status := healthpb.HealthCheckResponse_SERVING
		if !service.IsRunning() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		healthServer.SetServingStatus("fluxon.mesh", status)
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
