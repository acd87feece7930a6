package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/domain/incident"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/bus"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/cache"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/gateway"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/store"
	"github.com/sentinelops/sentinel-backend/internal/metrics"
	"github.com/sentinelops/sentinel-backend/internal/service/agents"
	"github.com/sentinelops/sentinel-backend/internal/service/audit"
	"github.com/sentinelops/sentinel-backend/internal/service/consensus"
	"github.com/sentinelops/sentinel-backend/internal/service/coordinator"
	"github.com/sentinelops/sentinel-backend/internal/service/pool"
	"github.com/sentinelops/sentinel-backend/internal/service/recovery"
)

// coordinatorAgentID is the bus address external producers send
// PROCESS_INCIDENT messages to.
const coordinatorAgentID = "coordinator"

// run composes the swarm and serves until the context ends.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	m := metrics.New()

	events, closeStore, err := buildEventStore(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer closeStore()

	trail := audit.NewTrail(nil, log)
	stream, err := events.Stream(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	go trail.Follow(ctx, stream)

	kms := crypto.NewLocalKMS()
	sw, err := newSwarm(ctx, cfg, kms, m, log)
	if err != nil {
		return err
	}
	defer sw.Close()

	if err := sw.seed(ctx, cfg.Pool.MinReplicas); err != nil {
		return err
	}

	signingKey := []byte(cfg.Consensus.SigningKey)
	if len(signingKey) == 0 {
		// Ephemeral key: fine for a single-process cluster, which is the
		// only shape LocalCluster supports anyway.
		signingKey = []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := kms.StoreSecret(ctx, "consensus-signing-key", signingKey); err != nil {
			return err
		}
	}
	cluster, err := consensus.NewLocalCluster(consensus.Options{
		NodeID:          cfg.Consensus.NodeID,
		Peers:           cfg.Consensus.Peers,
		RoundTimeout:    cfg.Consensus.RoundTimeout,
		FutureWindow:    cfg.Consensus.FutureWindow,
		SuspicionLimit:  cfg.Consensus.SuspicionLimit,
		SuspicionWindow: cfg.Consensus.SuspicionWindow,
		MaxActiveRounds: cfg.Consensus.MaxActiveRounds,
		Metrics:         m,
	}, signingKey, log)
	if err != nil {
		return err
	}
	defer cluster.Close()

	// Close the byzantine loop: bad bus traffic feeds the local engine's
	// suspicion count, and any engine isolating a peer cuts that peer off
	// the bus as well.
	sw.bus.OnSuspicious(cluster.Local().Suspect)
	cluster.OnIsolate(func(peerID, _ string) {
		sw.bus.IsolateSender(peerID)
	})

	runbook := coordinator.NewRunbook(log)
	registerBuiltinRunbooks(runbook, log)

	recoverer := recovery.NewManager(cfg.Recovery, sw,
		func(ctx context.Context, e *recovery.Escalation) {
			m.Escalations.Inc()
			log.Error("incident escalated to operators",
				slog.String("escalation_id", e.ID.String()),
				slog.String("severity", string(e.Severity)),
				slog.String("reason", e.Reason),
				slog.String("handoff_token", e.Token))
			sw.notifyOperators(ctx, e)
		},
		sw.systemState, log)
	recoverer.SetMetrics(m)

	coord, err := coordinator.New(cfg.Coordinator, coordinator.Deps{
		Events:   events,
		Replicas: sw.pool,
		Agents:   sw.directory,
		Invoker:  sw.invoker,
		Decider:  cluster,
		Executor: runbook,
		Recovery: recoverer,
		Notifier: sw,
		NodeID:   cfg.Consensus.NodeID,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	monitor := agents.NewHeartbeatMonitor(sw.pool, cfg.Agents, log, func(r *agent.Replica) {
		log.Warn("replica declared dead", slog.String("replica_id", r.ID))
	})
	go monitor.Run(ctx)

	scaler := pool.NewAutoscaler(sw.pool, cfg.Pool, sw, log)
	scaler.SetMetrics(m)
	go scaler.Run(ctx, []agent.AgentType{
		agent.TypeDetection, agent.TypeDiagnosis, agent.TypePrediction,
		agent.TypeResolution, agent.TypeCommunication,
	}, cfg.Agents.HeartbeatInterval)

	go observePoolMetrics(ctx, sw.pool, m)

	if err := subscribeIntake(cfg, sw, coord, m, log); err != nil {
		return err
	}

	srv := serveMetrics(cfg.Telemetry.MetricsAddr, m, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("sentineld running",
		slog.String("node_id", cfg.Consensus.NodeID),
		slog.Int("peers", len(cfg.Consensus.Peers)),
		slog.String("metrics_addr", cfg.Telemetry.MetricsAddr))

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func buildEventStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (store.EventStore, func(), error) {
	opts := store.Options{
		Metrics:            m,
		ReplicaRegions:     cfg.Store.ReplicaRegions,
		ReplicationTimeout: cfg.Store.ReplicationTimeout,
		AppendRetries:      cfg.Store.AppendRetries,
		RetryBaseDelay:     cfg.Store.RetryBaseDelay,
		RetryMaxDelay:      cfg.Store.RetryMaxDelay,
		SnapshotThreshold:  cfg.Store.SnapshotThreshold,
		StreamBuffer:       cfg.Store.StreamBuffer,
	}
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using in-memory event store")
		return store.NewMemoryStore(opts, log), func() {}, nil
	}

	pgcfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing database url: %w", err)
	}
	pgcfg.MaxConns = int32(cfg.Database.MaxOpenConns)
	pgcfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	dbpool, err := pgxpool.NewWithConfig(ctx, pgcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}
	return store.NewPostgresStore(dbpool, opts, log), dbpool.Close, nil
}

// subscribeIntake routes PROCESS_INCIDENT bus traffic into the
// coordinator, shedding load past the intake rate. With redis
// configured the budget is shared across nodes via a sliding window;
// otherwise a local token bucket applies.
func subscribeIntake(cfg *config.Config, sw *swarm, coord *coordinator.Coordinator, m *metrics.Metrics, log *slog.Logger) error {
	local := rate.NewLimiter(
		rate.Limit(cfg.Coordinator.MaxConcurrentIncidents), cfg.Coordinator.MaxConcurrentIncidents)
	admit := func(ctx context.Context) bool { return local.Allow() }
	if sw.redisClient != nil {
		sliding := cache.NewSlidingWindowLimiter(sw.redisClient,
			cfg.Coordinator.MaxConcurrentIncidents, time.Second, sw.zlog)
		admit = func(ctx context.Context) bool { return sliding.Allow(ctx, "intake:incidents") }
	}

	return sw.bus.Subscribe(coordinatorAgentID, func(ctx context.Context, msg *bus.Message) {
		if msg.Type != bus.MessageProcessIncident {
			return
		}
		var inc incident.Incident
		if err := msg.DecodePayload(&inc); err != nil {
			log.Warn("undecodable incident payload",
				slog.String("sender_id", msg.SenderID), slog.Any("error", err))
			return
		}
		if inc.ID == uuid.Nil || !inc.Severity.Valid() {
			m.IncidentsRejected.Inc()
			log.Warn("malformed incident rejected",
				slog.String("sender_id", msg.SenderID))
			return
		}
		if !admit(ctx) {
			m.IncidentsRejected.Inc()
			log.Warn("incident shed at intake",
				slog.String("incident_id", inc.ID.String()))
			return
		}
		m.IncidentsAccepted.Inc()
		go func() {
			started := time.Now()
			err := coord.HandleIncident(context.WithoutCancel(ctx), &inc)
			m.IncidentDuration.Observe(time.Since(started).Seconds())
			switch {
			case err == nil:
				m.IncidentsResolved.Inc()
			default:
				m.IncidentsFailed.Inc()
				log.Warn("incident pipeline failed",
					slog.String("incident_id", inc.ID.String()),
					slog.Any("error", err))
			}
		}()
	})
}

func serveMetrics(addr string, m *metrics.Metrics, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics listener failed", "error", err)
		}
	}()
	return srv
}

func observePoolMetrics(ctx context.Context, p *pool.ReplicaPool, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			counts := make(map[string]map[string]int)
			utilization := make(map[string]float64)
			for _, r := range p.Snapshot() {
				byStatus, ok := counts[string(r.AgentType)]
				if !ok {
					byStatus = make(map[string]int)
					counts[string(r.AgentType)] = byStatus
				}
				byStatus[string(r.Status)]++
			}
			for _, t := range []agent.AgentType{
				agent.TypeDetection, agent.TypeDiagnosis, agent.TypePrediction,
				agent.TypeResolution, agent.TypeCommunication,
			} {
				utilization[string(t)] = p.UtilizationByType(t)
			}
			m.ObservePool(counts, utilization)
		case <-ctx.Done():
			return
		}
	}
}

// registerBuiltinRunbooks installs handlers for the actions the stock
// agents recommend. Real remediation backends replace these with calls
// into infrastructure APIs; the built-ins log the action and succeed so
// a bare deployment is still end-to-end runnable.
func registerBuiltinRunbooks(b *coordinator.Runbook, log *slog.Logger) {
	logged := func(name string) coordinator.ActionFunc {
		return func(ctx context.Context, inc *incident.Incident, rec *agent.Recommendation) error {
			log.Info("runbook action",
				slog.String("action", name),
				slog.String("incident_id", inc.ID.String()))
			return nil
		}
	}
	for _, id := range []string{
		"acknowledge-and-monitor", "restart-service", "failover-db",
		"failover-to-standby", "rollback-last-deploy", "scale-up",
		"preemptive-scale", "watch-and-wait", "notify-stakeholders",
	} {
		_ = b.Register(id, logged(id), logged(id+":rollback"))
	}
}

// swarm owns the in-process agent fleet: identity, certificates,
// messaging, and replica lifecycle.
type swarm struct {
	cfg  *config.Config
	log  *slog.Logger
	kms  crypto.KMS
	bus  *bus.Bus
	pool *pool.ReplicaPool

	auth      bus.Authenticator
	invoker   *agents.Invoker
	directory *agentDirectory
	models    agents.ModelInvoker
	history   agents.HistorySearcher

	mu      sync.Mutex
	certs   map[string]*agent.Certificate
	handles map[string]crypto.KeyHandle
	nextID  map[agent.AgentType]int

	redis       cache.Cache
	redisClient *redis.Client
	zlog        *zap.Logger
}

func newSwarm(ctx context.Context, cfg *config.Config, kms crypto.KMS, m *metrics.Metrics, log *slog.Logger) (*swarm, error) {
	sw := &swarm{
		cfg:       cfg,
		log:       log,
		kms:       kms,
		pool:      pool.NewReplicaPool(log),
		invoker:   agents.NewInvoker(cfg.Agents, log),
		directory: newAgentDirectory(),
		history:   gateway.NewMemoryVectorStore(),
		certs:     make(map[string]*agent.Certificate),
		handles:   make(map[string]crypto.KeyHandle),
		nextID:    make(map[agent.AgentType]int),
	}
	sw.invoker.SetMetrics(m)
	sw.models = gateway.NewLLMGateway(unconfiguredModelClient{}, &cfg.Gateway, log)

	var certSource bus.CertificateSource = certFunc(sw.localCertificate)
	if cfg.Redis.URL != "" {
		zlog, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		client, err := cache.NewClient(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		sw.zlog = zlog
		sw.redisClient = client
		sw.redis = cache.NewRedisCacheFromClient(client, zlog)
		certSource = cache.NewCertificateCache(sw.redis, sw.localCertificate,
			5*time.Minute, zlog)
	}

	sw.auth = bus.NewCertificateAuthenticator(kms, certSource, sw.keyHandle)
	sw.bus = bus.New(bus.Options{
		QueueSize:       cfg.Bus.QueueSize,
		DeadLetterLimit: cfg.Bus.DeadLetterLimit,
		Metrics:         m,
	}, sw.auth, log)

	// The coordinator and the consensus node publish on the bus too, so
	// they need identities of their own.
	for _, id := range []string{coordinatorAgentID, cfg.Consensus.NodeID} {
		if err := sw.mintIdentity(ctx, id); err != nil {
			return nil, err
		}
	}
	return sw, nil
}

// Publish signs on behalf of the sender and hands the message to the
// bus; this is the coordinator's Notifier.
func (s *swarm) Publish(ctx context.Context, m *bus.Message) error {
	if err := s.auth.Sign(ctx, m); err != nil {
		return err
	}
	return s.bus.Publish(ctx, m)
}

// mintIdentity issues a keypair and certificate for a non-agent sender.
func (s *swarm) mintIdentity(ctx context.Context, id string) error {
	handle, publicKeyPEM, err := s.kms.GenerateKeypair(ctx)
	if err != nil {
		return err
	}
	cert, err := agent.NewCertificate(id, publicKeyPEM, 24*time.Hour)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.certs[id] = cert
	s.handles[id] = handle
	s.mu.Unlock()
	return nil
}

func (s *swarm) Close() {
	s.bus.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

// seed launches the minimum replica set for every agent type, spread
// round-robin over the configured regions.
func (s *swarm) seed(ctx context.Context, perType int) error {
	regions := s.cfg.Pool.Regions
	if len(regions) == 0 {
		regions = []string{"us-east-1"}
	}
	for _, t := range []agent.AgentType{
		agent.TypeDetection, agent.TypeDiagnosis, agent.TypePrediction,
		agent.TypeResolution, agent.TypeCommunication,
	} {
		for i := 0; i < perType; i++ {
			replica, err := s.Launch(ctx, t, regions[i%len(regions)])
			if err != nil {
				return err
			}
			if err := s.pool.Add(replica); err != nil {
				return err
			}
		}
	}
	return nil
}

// Launch implements pool.Launcher: mint identity, issue a certificate,
// subscribe the agent on the bus, and hand back its replica record.
func (s *swarm) Launch(ctx context.Context, agentType agent.AgentType, region string) (*agent.Replica, error) {
	s.mu.Lock()
	s.nextID[agentType]++
	id := fmt.Sprintf("%s-%d", agentType, s.nextID[agentType])
	s.mu.Unlock()

	handle, publicKeyPEM, err := s.kms.GenerateKeypair(ctx)
	if err != nil {
		return nil, err
	}
	cert, err := agent.NewCertificate(id, publicKeyPEM, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	var a agents.Agent
	switch agentType {
	case agent.TypeDetection:
		a = agents.NewDetectionAgent(id)
	case agent.TypeDiagnosis:
		a = agents.NewDiagnosisAgent(id, s.models, s.history)
	case agent.TypePrediction:
		a = agents.NewPredictionAgent(id)
	case agent.TypeResolution:
		a = agents.NewResolutionAgent(id)
	case agent.TypeCommunication:
		a = agents.NewCommunicationAgent(id)
	default:
		return nil, errors.NewValidationError("INVALID_AGENT_TYPE",
			"unknown agent type: "+string(agentType))
	}

	s.mu.Lock()
	s.certs[id] = cert
	s.handles[id] = handle
	s.mu.Unlock()
	s.directory.add(id, a)

	if err := s.bus.Subscribe(id, func(ctx context.Context, m *bus.Message) {
		reply, err := a.HandleMessage(ctx, m)
		if err != nil {
			s.log.Warn("agent message handling failed",
				slog.String("agent_id", id), slog.Any("error", err))
			return
		}
		if reply != nil {
			if err := s.Publish(ctx, reply); err != nil {
				s.log.Warn("agent reply publish failed",
					slog.String("agent_id", id), slog.Any("error", err))
			}
		}
	}); err != nil {
		s.directory.remove(id)
		return nil, err
	}

	replica, err := agent.NewReplica(id, agentType, region, 8)
	if err != nil {
		return nil, err
	}
	s.log.Info("replica launched",
		slog.String("replica_id", id),
		slog.String("region", region))
	return replica, nil
}

// Retire implements pool.Launcher.
func (s *swarm) Retire(ctx context.Context, replicaID string) error {
	s.bus.Unsubscribe(replicaID)
	s.directory.remove(replicaID)
	s.mu.Lock()
	delete(s.handles, replicaID)
	delete(s.certs, replicaID)
	s.mu.Unlock()
	s.log.Info("replica retired", slog.String("replica_id", replicaID))
	return nil
}

func (s *swarm) localCertificate(ctx context.Context, agentID string) (*agent.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certs[agentID]
	if !ok {
		return nil, errors.NewNotFoundError("certificate for " + agentID)
	}
	return cert, nil
}

func (s *swarm) keyHandle(senderID string) (crypto.KeyHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[senderID]
	return h, ok
}

// notifyOperators broadcasts the escalation so communication agents can
// page whoever is on call.
func (s *swarm) notifyOperators(ctx context.Context, e *recovery.Escalation) {
	msg, err := bus.NewMessage(coordinatorAgentID, bus.BroadcastRecipient, bus.MessageControl, e)
	if err != nil {
		s.log.Warn("escalation broadcast encode failed", "error", err)
		return
	}
	if err := s.Publish(ctx, msg); err != nil {
		s.log.Warn("escalation broadcast failed", "error", err)
	}
}

// systemState snapshots the swarm for escalation handoffs.
func (s *swarm) systemState() map[string]string {
	state := make(map[string]string)
	for _, r := range s.pool.Snapshot() {
		state["replica:"+r.ID] = fmt.Sprintf("%s load=%d/%d", r.Status, r.CurrentLoad, r.MaxCapacity)
	}
	return state
}

// The swarm doubles as the recovery manager's Actions: every strategy
// maps onto replica or breaker manipulation.

func (s *swarm) Retry(ctx context.Context, f recovery.Failure) error {
	if f.AgentID == "" {
		return errors.NewInternalError("nothing to retry for " + f.Component)
	}
	a, ok := s.directory.Lookup(f.AgentID)
	if !ok {
		return errors.NewNotFoundError("agent " + f.AgentID)
	}
	if !a.HealthCheck(ctx) {
		return errors.NewAgentTimeoutError(f.AgentID, "agent still unhealthy after retry")
	}
	return nil
}

func (s *swarm) Fallback(ctx context.Context, f recovery.Failure) error {
	if f.AgentID == "" {
		return errors.NewInternalError("no fallback target for " + f.Component)
	}
	// Push traffic away from the failing replica; routing skips
	// degraded replicas when healthy ones exist.
	return s.pool.SetStatus(f.AgentID, agent.ReplicaDegraded)
}

func (s *swarm) Degrade(ctx context.Context, component string) error {
	agentType, ok := componentAgentType(component)
	if !ok {
		s.log.Warn("degrade requested for non-agent component",
			slog.String("component", component))
		return nil
	}
	for _, r := range s.pool.Snapshot() {
		if r.AgentType == agentType && r.Status == agent.ReplicaHealthy {
			_ = s.pool.SetStatus(r.ID, agent.ReplicaDegraded)
		}
	}
	return nil
}

func (s *swarm) ResetBreaker(target string) error {
	s.invoker.ResetBreaker(target)
	return nil
}

func (s *swarm) Restart(ctx context.Context, component string) error {
	agentType, ok := componentAgentType(component)
	if !ok {
		return errors.NewInternalError("cannot restart component " + component)
	}
	var firstErr error
	for _, r := range s.pool.Snapshot() {
		if r.AgentType != agentType {
			continue
		}
		if err := s.pool.Remove(r.ID); err != nil {
			continue
		}
		_ = s.Retire(ctx, r.ID)
		replica, err := s.Launch(ctx, agentType, r.Region)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := s.pool.Add(replica); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// componentAgentType maps "agents/<type>" component names to the type.
func componentAgentType(component string) (agent.AgentType, bool) {
	name, ok := strings.CutPrefix(component, "agents/")
	if !ok {
		return "", false
	}
	t := agent.AgentType(name)
	if !t.Valid() {
		return "", false
	}
	return t, true
}

// certFunc adapts a loader function to the bus certificate source.
type certFunc func(ctx context.Context, agentID string) (*agent.Certificate, error)

func (f certFunc) Get(ctx context.Context, agentID string) (*agent.Certificate, error) {
	return f(ctx, agentID)
}

// agentDirectory maps replica ids to live agent instances.
type agentDirectory struct {
	mu     sync.RWMutex
	agents map[string]agents.Agent
}

func newAgentDirectory() *agentDirectory {
	return &agentDirectory{agents: make(map[string]agents.Agent)}
}

func (d *agentDirectory) Lookup(replicaID string) (agents.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[replicaID]
	return a, ok
}

func (d *agentDirectory) add(id string, a agents.Agent) {
	d.mu.Lock()
	d.agents[id] = a
	d.mu.Unlock()
}

func (d *agentDirectory) remove(id string) {
	d.mu.Lock()
	delete(d.agents, id)
	d.mu.Unlock()
}

// unconfiguredModelClient stands in when no model provider is wired;
// diagnosis agents fall back to their heuristics.
type unconfiguredModelClient struct{}

func (unconfiguredModelClient) Complete(ctx context.Context, modelID, prompt string, maxTokens int, temperature float64) (string, error) {
	return "", errors.NewInternalError("no model provider configured")
}
