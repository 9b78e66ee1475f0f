// Package collector implements the keysentinel fleet collector's gRPC
// ingestion service: RegisterAgent assigns a stable host identity, and
// StreamReports receives a bidirectional stream of Detection/MonitorEvent
// reports, validates each one, persists it via internal/collectorstore, and
// fans persisted Detections out to internal/live for real-time dashboards.
//
// Adapted from the teacher's internal/server/grpc AlertService: the
// validate -> persist -> broadcast -> ACK pipeline and the mTLS
// client-certificate CN preference over the self-reported hostname are
// kept; the wire messages and row shapes are the keylogger domain
// (Detection/MonitorEvent) rather than the teacher's tripwire alert.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/keysentinel/agent/internal/collectorstore"
	"github.com/keysentinel/agent/internal/factmodel"
	"github.com/keysentinel/agent/internal/live"
	"github.com/keysentinel/agent/internal/telemetry"
	detectionpb "github.com/keysentinel/agent/proto/detection"
)

const tracerName = "github.com/keysentinel/agent/internal/collector"

// Store is the subset of collectorstore.Store used by DetectionService.
type Store interface {
	UpsertHost(ctx context.Context, h collectorstore.Host) (string, error)
	GetHost(ctx context.Context, hostID string) (*collectorstore.Host, error)
	BatchInsertDetections(ctx context.Context, rec collectorstore.DetectionRecord) error
	InsertMonitorEvent(ctx context.Context, rec collectorstore.MonitorEventRecord) error
}

// Broadcaster is the subset of live.Broadcaster used by DetectionService.
type Broadcaster interface {
	Publish(d factmodel.Detection, hostID, hostname string)
}

// DetectionService implements detectionpb.DetectionServiceServer.
type DetectionService struct {
	detectionpb.UnimplementedDetectionServiceServer

	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger

	// maxEventAgeSecs is the tolerated clock-skew window for incoming
	// reports. Reports older than this are rejected.
	maxEventAgeSecs int64
}

// NewDetectionService creates a DetectionService. maxEventAgeSecs <= 0 uses
// the default of 300 seconds (5 minutes).
func NewDetectionService(store Store, broadcaster Broadcaster, logger *slog.Logger, maxEventAgeSecs int64) *DetectionService {
	if maxEventAgeSecs <= 0 {
		maxEventAgeSecs = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DetectionService{
		store:           store,
		broadcaster:     broadcaster,
		logger:          logger,
		maxEventAgeSecs: maxEventAgeSecs,
	}
}

// RegisterAgent upserts a Host record, preferring the mTLS client
// certificate's CommonName over the self-reported hostname so that host
// identity is tied to the PKI, not to the agent's own claim.
func (s *DetectionService) RegisterAgent(ctx context.Context, req *detectionpb.RegisterRequest) (*detectionpb.RegisterResponse, error) {
	hostname := req.Hostname
	if cn := certCN(ctx); cn != "" {
		hostname = cn
	}
	if hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "register_agent: hostname must not be empty")
	}

	now := time.Now().UTC()
	candidateID := uuid.NewString()
	host := collectorstore.Host{
		HostID:       candidateID,
		Hostname:     hostname,
		Platform:     req.Platform,
		AgentVersion: req.AgentVersion,
		LastSeen:     &now,
		Status:       collectorstore.HostStatusOnline,
	}

	effectiveHostID, err := s.store.UpsertHost(ctx, host)
	if err != nil {
		s.logger.Error("register_agent: upsert host failed", slog.String("hostname", hostname), slog.Any("error", err))
		return nil, status.Errorf(codes.Internal, "register_agent: store: %v", err)
	}

	s.logger.Info("agent registered",
		slog.String("host_id", effectiveHostID),
		slog.String("hostname", hostname),
		slog.String("platform", req.Platform),
	)

	return &detectionpb.RegisterResponse{AgentID: effectiveHostID}, nil
}

// StreamReports reads Reports from the stream until EOF or a transport
// error, validating, persisting, and acknowledging each one in turn.
func (s *DetectionService) StreamReports(stream detectionpb.DetectionService_StreamReportsServer) error {
	ctx := stream.Context()

	for {
		report, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.handleReport(ctx, stream, report); err != nil {
			return err
		}
	}
}

func (s *DetectionService) handleReport(ctx context.Context, stream detectionpb.DetectionService_StreamReportsServer, report *detectionpb.Report) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "handle_report")
	defer span.End()
	span.SetAttributes(
		attribute.String("report.kind", report.Kind),
		attribute.String("report.agent_id", report.AgentID),
	)

	if err := s.validate(report); err != nil {
		s.logger.Warn("stream_reports: invalid report rejected",
			slog.String("report_id", report.ReportID), slog.Any("error", err))
		return stream.Send(errorACK(report.ReportID, err))
	}

	receivedAt := time.Now().UTC()

	switch report.Kind {
	case "DETECTION":
		var d factmodel.Detection
		if err := json.Unmarshal(report.DetectionJSON, &d); err != nil {
			return stream.Send(errorACK(report.ReportID, fmt.Errorf("unmarshal detection: %w", err)))
		}

		rec := collectorstore.DetectionRecord{
			DetectionID: report.ReportID,
			HostID:      report.AgentID,
			PID:         d.PID,
			Name:        d.Name,
			Path:        d.Path,
			Confidence:  d.Confidence,
			ThreatScore: d.ThreatScore,
			Flags:       d.Flags,
			Timestamp:   d.Timestamp,
			ReceivedAt:  receivedAt,
		}
		if evidence, err := json.Marshal(d.Evidence); err == nil {
			rec.Evidence = evidence
		}

		if err := s.store.BatchInsertDetections(ctx, rec); err != nil {
			s.logger.Error("stream_reports: persist detection failed",
				slog.String("report_id", report.ReportID), slog.Any("error", err))
			return stream.Send(errorACK(report.ReportID, err))
		}

		hostname := report.AgentID
		if h, err := s.store.GetHost(ctx, report.AgentID); err == nil {
			hostname = h.Hostname
		}
		s.broadcaster.Publish(d, report.AgentID, hostname)

		s.logger.Info("detection ingested",
			slog.String("host_id", report.AgentID),
			slog.Int("pid", d.PID),
			slog.Int("threat_score", d.ThreatScore),
		)

	case "MONITOR_EVENT":
		var e factmodel.MonitorEvent
		if err := json.Unmarshal(report.MonitorEventJSON, &e); err != nil {
			return stream.Send(errorACK(report.ReportID, fmt.Errorf("unmarshal monitor event: %w", err)))
		}

		rec := collectorstore.MonitorEventRecord{
			EventID:    report.ReportID,
			HostID:     report.AgentID,
			EventType:  e.EventType,
			Details:    e.Details,
			Timestamp:  e.Timestamp,
			ReceivedAt: receivedAt,
		}
		if payload, err := json.Marshal(e); err == nil {
			rec.Payload = payload
		}

		if err := s.store.InsertMonitorEvent(ctx, rec); err != nil {
			s.logger.Error("stream_reports: persist monitor event failed",
				slog.String("report_id", report.ReportID), slog.Any("error", err))
			return stream.Send(errorACK(report.ReportID, err))
		}
	}

	return stream.Send(ackCommand())
}

// validate checks that report carries all required fields and that its
// timestamp is within the tolerated clock-skew window.
func (s *DetectionService) validate(report *detectionpb.Report) error {
	if report.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if report.ReportID == "" {
		return fmt.Errorf("report_id is required")
	}
	if report.Kind != "DETECTION" && report.Kind != "MONITOR_EVENT" {
		return fmt.Errorf("kind %q is invalid; must be DETECTION or MONITOR_EVENT", report.Kind)
	}

	ts := time.UnixMicro(report.TimestampUnixMicro).UTC()
	now := time.Now().UTC()
	if ts.Before(now.Add(-time.Duration(s.maxEventAgeSecs) * time.Second)) {
		return fmt.Errorf("timestamp is too old (>%ds)", s.maxEventAgeSecs)
	}
	if ts.After(now.Add(60 * time.Second)) {
		return fmt.Errorf("timestamp is too far in the future (>60s)")
	}

	switch report.Kind {
	case "DETECTION":
		if len(report.DetectionJSON) == 0 {
			return fmt.Errorf("detection_json is required for kind DETECTION")
		}
	case "MONITOR_EVENT":
		if len(report.MonitorEventJSON) == 0 {
			return fmt.Errorf("monitor_event_json is required for kind MONITOR_EVENT")
		}
	}
	return nil
}

func ackCommand() *detectionpb.ServerCommand {
	return &detectionpb.ServerCommand{Type: "ACK"}
}

func errorACK(reportID string, err error) *detectionpb.ServerCommand {
	return &detectionpb.ServerCommand{Type: "ERROR"}
}

// certCN extracts the CommonName from the mTLS client certificate attached
// to ctx. Returns an empty string when no peer info or certificate is
// available (e.g. insecure connections used in tests).
func certCN(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
}
