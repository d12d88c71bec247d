package lace

import (
	"fmt"

	"github.com/lacehq/lace/approval"
	"github.com/lacehq/lace/internal/logging"
	"github.com/lacehq/lace/provider"
	"github.com/lacehq/lace/storage"
	"github.com/lacehq/lace/thread"
)

// ClientConfig wires a Client's collaborators.
type ClientConfig struct {
	// Store persists threads, events and tasks (required).
	Store storage.Store

	// Providers holds the registered provider instances (required).
	Providers *provider.Registry

	// Broker answers approval requests. Nil denies everything that
	// requires approval.
	Broker approval.Broker

	// UserInstructions is appended to every session as a
	// USER_SYSTEM_PROMPT, typically from instructions.md.
	UserInstructions string

	Logger *logging.Logger
}

// Client is the process-wide entry point: it owns the store, the thread
// manager and the provider registry, and creates projects.
type Client struct {
	store            storage.Store
	threads          *thread.Manager
	providers        *provider.Registry
	broker           approval.Broker
	userInstructions string
	log              *logging.Logger
}

// NewClient creates a Client over the given store and providers.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("%w: provider registry is required", ErrInvalidConfig)
	}
	broker := cfg.Broker
	if broker == nil {
		// Zero-valued PolicyBroker denies every request.
		broker = &approval.PolicyBroker{}
	}
	log := logging.OrDefault(cfg.Logger)
	return &Client{
		store:            cfg.Store,
		threads:          thread.NewManager(cfg.Store, log),
		providers:        cfg.Providers,
		broker:           broker,
		userInstructions: cfg.UserInstructions,
		log:              log,
	}, nil
}

// Threads exposes the thread manager for event queries and watching.
func (c *Client) Threads() *thread.Manager {
	return c.threads
}

// Providers exposes the provider registry.
func (c *Client) Providers() *provider.Registry {
	return c.providers
}

// NewProject creates a project over a working directory.
func (c *Client) NewProject(cfg ProjectConfig) (*Project, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Project{client: c, cfg: cfg, sessions: make(map[thread.ID]*Session)}, nil
}

// Close releases subscriptions and the underlying store.
func (c *Client) Close() error {
	c.threads.Close()
	return c.store.Close()
}
