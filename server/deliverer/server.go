package deliverer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/messaging"
	"github.com/THPTUHA/relay/server/runner"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// DelivererServer is the gateway process: the web socket endpoint plus the
// consumer of this gateway's delivery queue.
type DelivererServer struct {
	node     *Node
	config   *config.Configs
	delivery *runner.Supervisor
	logger   *logrus.Entry
}

func NewDelivererServer(cfg *config.Configs, log *logrus.Entry, opts ...runner.Option) (*DelivererServer, error) {
	pool := messaging.NewPool(
		cfg.BrokerURL(cfg.RabbitMQ.Host, cfg.RabbitMQ.Port),
		cfg.ServerInfo,
		messaging.WithLogger(log.WithField("component", "pool")),
	)
	node := NewNode(pool, cfg.DeliveryQueue(), log)

	opts = append([]runner.Option{runner.WithLogger(log)}, opts...)
	delivery, err := runner.NewSupervisor(cfg, node.DeliveryModule(cfg), opts...)
	if err != nil {
		return nil, err
	}

	return &DelivererServer{
		node:     node,
		config:   cfg,
		delivery: delivery,
		logger:   log,
	}, nil
}

func (s *DelivererServer) Node() *Node {
	return s.node
}

func (s *DelivererServer) Router() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.Handle(s.config.Gateway.Path, NewWebsocketHandler(s.node, WebsocketConfig{
		CheckOrigin:      s.checkSameHost,
		MessageSizeLimit: s.config.Gateway.ReadLimit,
		WriteTimeout:     s.config.Gateway.WriteTimeout,
	}))
	router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	return router
}

type healthStatus struct {
	Server  string `json:"server"`
	Broker  bool   `json:"broker"`
	Users   int    `json:"users"`
	Clients int    `json:"clients"`
}

func (s *DelivererServer) health(rw http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Server:  s.config.ServerInfo,
		Broker:  s.node.pool.IsConnected(),
		Users:   s.node.hub.NumUsers(),
		Clients: s.node.hub.NumClients(),
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(status)
}

// Start serves clients and consumes the delivery queue until ctx is done or
// one of them fails.
func (s *DelivererServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Gateway.Port))
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Router()}

	var g run.Group
	{
		g.Add(func() error {
			s.logger.Infof("Deliverer running on %d", s.config.Gateway.Port)
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			s.node.Shutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	{
		deliveryCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return s.delivery.Run(deliveryCtx)
		}, func(error) {
			cancel()
		})
	}
	{
		done := make(chan struct{})
		g.Add(func() error {
			select {
			case <-ctx.Done():
			case <-done:
			}
			return nil
		}, func(error) {
			close(done)
		})
	}
	return g.Run()
}

// checkSameHost accepts clients sending no Origin, which are not
// browsers, and browsers whose origin host is the gateway's own host or
// one of the configured allowed origins.
func (s *DelivererServer) checkSameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		s.logger.WithError(err).Warnf("failed to parse Origin header %q", origin)
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.config.Gateway.AllowedOrigins {
		if strings.EqualFold(u.Host, allowed) {
			return true
		}
	}
	s.logger.Warnf("request Origin %q is not authorized for Host %q", origin, r.Host)
	return false
}
