package audit

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// ClientConfig configures the Firestore-backed audit mirror, using the
// same enabled-flag/no-op idiom as this codebase's other optional
// external clients, so a deployment with FIRESTORE_ENABLED=false pays
// no Firebase SDK cost.
type ClientConfig struct {
	ProjectID       string
	CredentialsFile string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultClientConfig reads Firestore configuration from the
// environment, matching pkg/config.Config's own field names.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Enabled:         os.Getenv("FIRESTORE_ENABLED") == "true",
		Logger:          log.New(os.Stderr, "[Audit] ", log.LstdFlags),
	}
}

// FirestoreSink mirrors audit events into a Firestore collection for
// human-facing review (compliance, forensics), entirely separate from
// the tamper-evident chain. Disabled deployments get a working no-op
// instance rather than a nil check scattered through every call site.
type FirestoreSink struct {
	mu        sync.RWMutex
	client    *gcpfirestore.Client
	collection string
	enabled   bool
	logger    *log.Logger
}

// NewFirestoreSink connects (or, if disabled, constructs a no-op) sink
// from cfg. collection names the Firestore collection every record is
// written to.
func NewFirestoreSink(ctx context.Context, cfg *ClientConfig, collection string) (*FirestoreSink, error) {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[Audit] ", log.LstdFlags)
	}

	sink := &FirestoreSink{collection: collection, enabled: cfg.Enabled, logger: cfg.Logger}

	if !cfg.Enabled {
		cfg.Logger.Println("Firestore audit mirror disabled - running in no-op mode")
		return sink, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("audit: FIREBASE_PROJECT_ID is required when Firestore audit mirror is enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: initialize firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create firestore client: %w", err)
	}

	sink.client = client
	cfg.Logger.Printf("Firestore audit mirror initialized for project %s, collection %s", cfg.ProjectID, collection)
	return sink, nil
}

// IsEnabled reports whether this sink is backed by a live Firestore
// client, or is operating as a no-op.
func (s *FirestoreSink) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// auditDoc is the Firestore document shape one Record call writes.
type auditDoc struct {
	EventType string         `firestore:"event_type"`
	SubjectID string         `firestore:"subject_id"`
	Details   map[string]any `firestore:"details,omitempty"`
	Timestamp time.Time      `firestore:"timestamp,serverTimestamp"`
}

// Record writes one audit entry to Firestore. A disabled sink logs and
// returns nil: callers never need a feature-flag branch of their own.
func (s *FirestoreSink) Record(ctx context.Context, eventType string, subjectID uuid.UUID, details map[string]any) error {
	if !s.IsEnabled() {
		s.logger.Printf("firestore audit disabled - skipping event=%s subject=%s", eventType, subjectID)
		return nil
	}

	doc := auditDoc{EventType: eventType, SubjectID: subjectID.String(), Details: details}
	_, _, err := s.client.Collection(s.collection).Add(ctx, doc)
	if err != nil {
		return fmt.Errorf("audit: write firestore document: %w", err)
	}
	return nil
}

// Close releases the underlying Firestore client, if one was opened.
func (s *FirestoreSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
