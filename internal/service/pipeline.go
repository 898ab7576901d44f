package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/climax-ledger/internal/anomaly"
	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/logging"
	"github.com/septivank/climax-ledger/internal/mq"
	"github.com/septivank/climax-ledger/internal/validator"
	"github.com/septivank/climax-ledger/tools/timeparser"
	"go.uber.org/zap"
)

// RecordStore is the storage the pipeline writes through
type RecordStore interface {
	Append(ctx context.Context, rec db.Record) error
	UpsertSensor(ctx context.Context, mac string, p db.SensorPatch, at time.Time) error
	UpsertBridge(ctx context.Context, mac string, p db.BridgePatch, at time.Time) error
	LatestBattery(ctx context.Context, mac string) (*db.BatteryReading, error)
	RecentClimateValues(ctx context.Context, mac, metric string, limit int) ([]float64, error)
}

// EventPublisher announces stored records. A nil publisher disables fan-out.
type EventPublisher interface {
	PublishStored(ctx context.Context, event mq.StoredEvent) error
}

// Options tunes the pipeline
type Options struct {
	// ClockSkewTolerance logs a warning when a device clock drifts further; zero disables it
	ClockSkewTolerance time.Duration
	AnomalyHistory     int
}

// Result describes a stored record
type Result struct {
	ID         int64      `json:"id"`
	Kind       db.Kind    `json:"kind"`
	DeviceTime *time.Time `json:"device_time"`
	LocalTime  time.Time  `json:"local_time"`
	Warning    string     `json:"warning,omitempty"`
	Anomaly    string     `json:"anomaly,omitempty"`
}

// Pipeline validates submissions, resolves their timestamps, appends them to
// the ledger and keeps the device projections current
type Pipeline struct {
	store     RecordStore
	publisher EventPublisher
	detector  *anomaly.Detector
	resolver  *timeparser.Resolver
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(
	store RecordStore,
	publisher EventPublisher,
	detector *anomaly.Detector,
	resolver *timeparser.Resolver,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	if opts.AnomalyHistory <= 0 {
		opts.AnomalyHistory = 10
	}
	return &Pipeline{
		store:     store,
		publisher: publisher,
		detector:  detector,
		resolver:  resolver,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the receipt clock
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// hooks customise one ingestion. enrich runs after timestamps are resolved
// and before the append; project runs after it.
type hooks struct {
	enrich  func(ctx context.Context, log *zap.Logger) string
	project func(ctx context.Context, at time.Time) error
}

func (p *Pipeline) ingest(ctx context.Context, rec db.Record, rawTime any, receivedAt time.Time, h hooks) (*Result, error) {
	log := logging.FromContext(ctx, p.logger).With(zap.String("kind", string(rec.Kind())))

	if err := validator.Record(rec); err != nil {
		log.Warn("rejected record", zap.Error(err))
		return nil, err
	}

	res := p.resolver.Resolve(rawTime, receivedAt)
	if res.ParseErr != nil {
		log.Warn("unparsable device time, using receipt time", zap.Error(res.ParseErr))
	}
	if res.DeviceTime != nil && p.opts.ClockSkewTolerance > 0 &&
		!timeparser.IsWithinTolerance(*res.DeviceTime, receivedAt, p.opts.ClockSkewTolerance) {
		log.Warn("device clock skew",
			zap.String("device_id", rec.DeviceID()),
			zap.Duration("skew", res.DeviceTime.Sub(receivedAt)),
		)
	}

	st := rec.Stamps()
	st.CreatedAt = res.CreatedAt
	st.DeviceTime = res.DeviceTime
	st.LocalTime = res.LocalTime

	result := &Result{Kind: rec.Kind()}
	if h.enrich != nil {
		result.Anomaly = h.enrich(ctx, log)
	}

	if err := p.store.Append(ctx, rec); err != nil {
		log.Error("failed to append record", zap.Error(err), zap.String("device_id", rec.DeviceID()))
		return nil, err
	}
	result.ID = st.ID
	result.DeviceTime = st.DeviceTime
	result.LocalTime = st.LocalTime

	// History is authoritative; a failed projection update is only reported
	if h.project != nil {
		if err := h.project(ctx, receivedAt); err != nil {
			log.Warn("projection update failed, record kept", zap.Error(err), zap.Int64("id", st.ID))
			result.Warning = "current state not updated: " + apperr.PublicMessage(err)
		}
	}

	p.publish(ctx, rec, result, log)

	log.Info("record stored",
		zap.Int64("id", st.ID),
		zap.String("device_id", rec.DeviceID()),
		zap.Time("local_time", st.LocalTime),
		zap.Bool("device_time", st.DeviceTime != nil),
	)
	return result, nil
}

func (p *Pipeline) publish(ctx context.Context, rec db.Record, result *Result, log *zap.Logger) {
	if p.publisher == nil {
		return
	}
	st := rec.Stamps()
	err := p.publisher.PublishStored(ctx, mq.StoredEvent{
		RequestID:  logging.RequestID(ctx),
		Kind:       string(rec.Kind()),
		RecordID:   st.ID,
		DeviceID:   rec.DeviceID(),
		CreatedAt:  st.CreatedAt,
		DeviceTime: st.DeviceTime,
		LocalTime:  st.LocalTime,
		Anomaly:    result.Anomaly,
		Warning:    result.Warning,
	})
	if err != nil {
		log.Error("failed to publish stored record", zap.Error(err), zap.Int64("id", st.ID))
	}
}

// IngestEvent stores a general event
func (p *Pipeline) IngestEvent(ctx context.Context, in EventPayload) (*Result, error) {
	receivedAt := p.now()
	if in.Severity == nil {
		return nil, apperr.Validation("severity", "is required")
	}

	ev := &db.Event{
		BridgeMAC:     normalizedPtr(in.BridgeMAC),
		SensorMAC:     normalizedPtr(in.SensorMAC),
		SensorName:    in.SensorName,
		Room:          in.Room,
		Category:      in.Category,
		EventType:     strings.TrimSpace(in.EventType),
		Severity:      *in.Severity,
		OldValue:      in.OldValue.ptr(),
		NewValue:      in.NewValue.ptr(),
		Message:       in.Message,
		ESPMillis:     in.ESPMillis,
		StateSnapshot: nullableJSON(in.StateSnapshot),
		Metadata:      nullableJSON(in.Metadata),
	}
	return p.ingest(ctx, ev, in.Raw(), receivedAt, hooks{})
}

// IngestClimate stores a climate sample and refreshes the sensor projection
func (p *Pipeline) IngestClimate(ctx context.Context, in ClimatePayload) (*Result, error) {
	receivedAt := p.now()
	reading := &db.ClimateReading{
		SensorMAC:     validator.NormalizeMAC(in.SensorMAC),
		SensorName:    in.SensorName,
		Room:          in.Room,
		Temperature:   in.Temperature,
		Humidity:      in.Humidity,
		Pressure:      in.Pressure,
		DewPoint:      in.DewPoint,
		HeatIndex:     in.HeatIndex,
		MoldRiskScore: in.MoldRiskScore,
		ContactOpen:   in.ContactOpen,
		AlertLevel:    in.AlertLevel,
	}

	return p.ingest(ctx, reading, in.Raw(), receivedAt, hooks{
		enrich: func(ctx context.Context, log *zap.Logger) string {
			return p.detectClimateAnomaly(ctx, reading, log)
		},
		project: func(ctx context.Context, at time.Time) error {
			return p.store.UpsertSensor(ctx, reading.SensorMAC, db.SensorPatch{
				Name:         reading.SensorName,
				Room:         reading.Room,
				ContactOpen:  reading.ContactOpen,
				Temperature:  reading.Temperature,
				Humidity:     reading.Humidity,
				Pressure:     reading.Pressure,
				DewPoint:     reading.DewPoint,
				IsOnline:     boolPtr(true),
				ClimateAlert: reading.AlertLevel,
			}, at)
		},
	})
}

func (p *Pipeline) detectClimateAnomaly(ctx context.Context, reading *db.ClimateReading, log *zap.Logger) string {
	if p.detector == nil {
		return ""
	}

	var reasons []string
	for _, m := range []struct {
		name  string
		value *float64
	}{
		{"temperature", reading.Temperature},
		{"humidity", reading.Humidity},
	} {
		if m.value == nil || !p.detector.Watches(m.name) {
			continue
		}
		history, err := p.store.RecentClimateValues(ctx, reading.SensorMAC, m.name, p.opts.AnomalyHistory)
		if err != nil {
			log.Warn("failed to get history for anomaly detection", zap.Error(err), zap.String("metric", m.name))
			continue
		}
		if isAnomaly, reason := p.detector.Detect(m.name, *m.value, history); isAnomaly {
			log.Warn("climate anomaly detected",
				zap.String("sensor_mac", reading.SensorMAC),
				zap.String("metric", m.name),
				zap.Float64("value", *m.value),
				zap.String("reason", reason),
			)
			reasons = append(reasons, reason)
		}
	}
	return strings.Join(reasons, "; ")
}

// IngestBattery stores a battery sample with its change against the
// previous sample of the device and refreshes the device projection
func (p *Pipeline) IngestBattery(ctx context.Context, in BatteryPayload) (*Result, error) {
	receivedAt := p.now()
	if in.BatteryLevel == nil {
		return nil, apperr.Validation("battery_level", "is required")
	}

	reading := &db.BatteryReading{
		DeviceType:     in.DeviceType,
		DeviceMAC:      validator.NormalizeMAC(in.DeviceMAC),
		DeviceName:     in.DeviceName,
		BatteryLevel:   *in.BatteryLevel,
		BatteryVoltage: in.BatteryVoltage,
		IsCharging:     in.IsCharging,
	}

	return p.ingest(ctx, reading, in.Raw(), receivedAt, hooks{
		enrich: func(ctx context.Context, log *zap.Logger) string {
			prev, err := p.store.LatestBattery(ctx, reading.DeviceMAC)
			if err != nil {
				log.Warn("failed to get previous battery reading", zap.Error(err))
				return ""
			}
			if prev != nil {
				change := reading.BatteryLevel - prev.BatteryLevel
				delta := int64(reading.LocalTime.Sub(prev.LocalTime) / time.Second)
				reading.LevelChange = &change
				reading.TimeDeltaSec = &delta
			}
			return ""
		},
		project: func(ctx context.Context, at time.Time) error {
			level := reading.BatteryLevel
			if reading.DeviceType == "bridge" {
				return p.store.UpsertBridge(ctx, reading.DeviceMAC, db.BridgePatch{
					BatteryLevel:   &level,
					BatteryVoltage: reading.BatteryVoltage,
				}, at)
			}
			return p.store.UpsertSensor(ctx, reading.DeviceMAC, db.SensorPatch{
				Name:         reading.DeviceName,
				BatteryLevel: &level,
				IsCharging:   reading.IsCharging,
				IsOnline:     boolPtr(true),
			}, at)
		},
	})
}

// IngestAlarm stores an alarm transition and updates the bridge alarm mode
func (p *Pipeline) IngestAlarm(ctx context.Context, in AlarmPayload) (*Result, error) {
	receivedAt := p.now()
	ev := &db.AlarmEvent{
		BridgeMAC:       validator.NormalizeMAC(in.BridgeMAC),
		EventType:       in.EventType,
		AlarmMode:       in.AlarmMode,
		PreviousMode:    in.PreviousMode,
		TriggerSensor:   normalizedPtr(in.TriggerSensor),
		TriggerName:     in.TriggerName,
		TriggerRoom:     in.TriggerRoom,
		DurationSeconds: in.DurationSeconds,
		WasSilenced:     in.WasSilenced,
		WasEntryDelay:   in.WasEntryDelay,
		WasExitDelay:    in.WasExitDelay,
		Message:         in.Message,
	}

	return p.ingest(ctx, ev, in.Raw(), receivedAt, hooks{
		project: func(ctx context.Context, at time.Time) error {
			patch := db.BridgePatch{AlarmMode: ev.AlarmMode}
			switch ev.EventType {
			case "armed":
				patch.IsArmed = boolPtr(true)
			case "disarmed":
				patch.IsArmed = boolPtr(false)
			}
			return p.store.UpsertBridge(ctx, ev.BridgeMAC, patch, at)
		},
	})
}

// IngestState stores a bridge state snapshot and refreshes the bridge projection
func (p *Pipeline) IngestState(ctx context.Context, in StatePayload) (*Result, error) {
	receivedAt := p.now()
	snap := &db.StateSnapshot{
		BridgeMAC:     validator.NormalizeMAC(in.BridgeMAC),
		AlarmMode:     in.AlarmMode,
		AlarmModeName: in.AlarmModeName,
		IsArmed:       in.IsArmed,
		InExitDelay:   in.InExitDelay,
		InEntryDelay:  in.InEntryDelay,
		SensorsOnline: in.SensorsOnline,
		SensorsTotal:  in.SensorsTotal,
		BridgeBattery: in.BridgeBattery,
		UptimeSeconds: in.UptimeSeconds,
	}

	return p.ingest(ctx, snap, in.Raw(), receivedAt, hooks{
		project: func(ctx context.Context, at time.Time) error {
			armed := snap.IsArmed
			return p.store.UpsertBridge(ctx, snap.BridgeMAC, db.BridgePatch{
				AlarmMode:     snap.AlarmModeName,
				IsArmed:       &armed,
				BatteryLevel:  snap.BridgeBattery,
				UptimeSeconds: snap.UptimeSeconds,
			}, at)
		},
	})
}

// IngestMetrics stores bridge health metrics and refreshes the bridge projection
func (p *Pipeline) IngestMetrics(ctx context.Context, in MetricsPayload) (*Result, error) {
	receivedAt := p.now()
	m := &db.Metrics{
		BridgeMAC:         validator.NormalizeMAC(in.BridgeMAC),
		FreeHeap:          in.FreeHeap,
		MinFreeHeap:       in.MinFreeHeap,
		HeapFragmentation: in.HeapFragmentation,
		WifiRSSI:          in.WifiRSSI,
		WifiChannel:       in.WifiChannel,
		UptimeSeconds:     in.UptimeSeconds,
		LoopTimeUS:        in.LoopTimeUS,
		SensorsOnline:     in.SensorsOnline,
		SensorsTotal:      in.SensorsTotal,
		EventsQueued:      in.EventsQueued,
	}

	return p.ingest(ctx, m, in.Raw(), receivedAt, hooks{
		project: func(ctx context.Context, at time.Time) error {
			return p.store.UpsertBridge(ctx, m.BridgeMAC, db.BridgePatch{
				FreeHeap:      m.FreeHeap,
				UptimeSeconds: m.UptimeSeconds,
				WifiRSSI:      m.WifiRSSI,
			}, at)
		},
	})
}

// IngestSensorState merges a partial sensor state into the projection and
// keeps the submission in the event log as a state_snapshot event
func (p *Pipeline) IngestSensorState(ctx context.Context, in SensorStatePayload) (*Result, error) {
	receivedAt := p.now()
	mac := validator.NormalizeMAC(in.MACAddress)
	if mac == "" {
		return nil, apperr.Validation("mac_address", "is required")
	}

	snapshot, err := json.Marshal(in)
	if err != nil {
		return nil, apperr.Validationf("body", "failed to encode sensor state: %v", err)
	}

	ev := &db.Event{
		BridgeMAC:  normalizedPtr(in.BridgeMAC),
		SensorMAC:  &mac,
		SensorName: in.Name,
		Room:       in.Room,
		Category:   "sensor",
		EventType:  "state_snapshot",
		Severity:   0,
		Metadata:   snapshot,
	}

	return p.ingest(ctx, ev, in.Raw(), receivedAt, hooks{
		project: func(ctx context.Context, at time.Time) error {
			return p.store.UpsertSensor(ctx, mac, db.SensorPatch{
				BridgeMAC:       ev.BridgeMAC,
				Name:            in.Name,
				Room:            in.Room,
				IsEntryExit:     in.IsEntryExit,
				IsActive:        in.IsActive,
				ContactOpen:     in.ContactOpen,
				Temperature:     in.Temperature,
				Humidity:        in.Humidity,
				Pressure:        in.Pressure,
				DewPoint:        in.DewPoint,
				BatteryLevel:    in.BatteryLevel,
				IsCharging:      in.IsCharging,
				IsOnline:        in.IsOnline,
				OperationalMode: in.OperationalMode,
				BypassActive:    in.BypassActive,
				NightBypass:     in.NightBypass,
				ClimateAlert:    in.ClimateAlert,
			}, at)
		},
	})
}

// IngestRaw decodes a JSON body of the given kind and ingests it
func (p *Pipeline) IngestRaw(ctx context.Context, kind string, body []byte) (*Result, error) {
	switch strings.ReplaceAll(strings.ToLower(kind), "_", "-") {
	case RawEvent:
		var in EventPayload
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return p.IngestEvent(ctx, in)
	case RawClimate:
		var in ClimatePayload
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return p.IngestClimate(ctx, in)
	case RawBattery:
		var in BatteryPayload
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return p.IngestBattery(ctx, in)
	case RawAlarm:
		var in AlarmPayload
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return p.IngestAlarm(ctx, in)
	case RawState:
		var in StatePayload
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return p.IngestState(ctx, in)
	case RawMetrics:
		var in MetricsPayload
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return p.IngestMetrics(ctx, in)
	case RawSensorState:
		var in SensorStatePayload
		if err := decode(body, &in); err != nil {
			return nil, err
		}
		return p.IngestSensorState(ctx, in)
	default:
		return nil, apperr.Validationf("kind", "unknown record kind %q", kind)
	}
}

// ProcessMessage ingests an enveloped payload from a message transport
func (p *Pipeline) ProcessMessage(ctx context.Context, body []byte) error {
	var env Envelope
	if err := decode(body, &env); err != nil {
		return err
	}
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	ctx = logging.ContextWithRequestID(ctx, env.RequestID)

	if _, err := p.IngestRaw(ctx, env.Kind, env.Payload); err != nil {
		return fmt.Errorf("failed to ingest %s message: %w", env.Kind, err)
	}
	return nil
}

// Retryable reports whether a failed ingestion may succeed on redelivery
func Retryable(err error) bool {
	return apperr.Is(err, apperr.KindStorage)
}

func nullableJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func boolPtr(b bool) *bool { return &b }
