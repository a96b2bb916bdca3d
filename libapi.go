package rbmqflow

import (
	runtimepkg "github.com/drblury/rbmqflow/internal/runtime"
	configpkg "github.com/drblury/rbmqflow/internal/runtime/config"
	deliverypkg "github.com/drblury/rbmqflow/internal/runtime/delivery"
	errspkg "github.com/drblury/rbmqflow/internal/runtime/errors"
	idspkg "github.com/drblury/rbmqflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/rbmqflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rbmqflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rbmqflow/internal/runtime/metadata"
	shutdownpkg "github.com/drblury/rbmqflow/internal/runtime/shutdown"
	"github.com/drblury/rbmqflow/transport"
)

type (
	Config       = configpkg.Config
	Runtime      = runtimepkg.Runtime
	Dependencies = runtimepkg.Dependencies

	Connection             = runtimepkg.Connection
	ConnectionDependencies = runtimepkg.ConnectionDependencies
	ConnectionState        = runtimepkg.ConnectionState
	Channel                = runtimepkg.Channel
	ChannelState           = runtimepkg.ChannelState
	Delivery               = runtimepkg.Delivery
	Outcome                = deliverypkg.Outcome

	DrainReport     = runtimepkg.DrainReport
	ShutdownReport  = runtimepkg.ShutdownReport
	ShutdownOutcome = shutdownpkg.Result

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	Metrics = runtimepkg.Metrics

	// Stats served on /stats
	RuntimeStats      = runtimepkg.RuntimeStats
	ChannelStats      = runtimepkg.ChannelStats
	LatencyMetrics    = runtimepkg.LatencyMetrics
	ThroughputMetrics = runtimepkg.ThroughputMetrics
	ResourceUsage     = runtimepkg.ResourceUsage

	// Error types
	ConnectionError        = errspkg.ConnectionError
	ChannelError           = errspkg.ChannelError
	StartupError           = errspkg.StartupError
	DuplicateDeliveryError = errspkg.DuplicateDeliveryError
	UnknownDeliveryError   = errspkg.UnknownDeliveryError
	ConfigValidationError  = errspkg.ConfigValidationError

	// Transport types
	TransportConfig       = transport.Config
	TransportDialer       = transport.Dialer
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	Credentials           = transport.Credentials
)

var (
	Start          = runtimepkg.Start
	OpenConnection = runtimepkg.OpenConnection
	OpenChannel    = runtimepkg.OpenChannel
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig
	RedactAddress  = configpkg.RedactAddress

	NewMetrics = runtimepkg.NewMetrics

	// Delivery lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewMessageFromProto = runtimepkg.NewMessageFromProto
	NewMessageFromJSON  = runtimepkg.NewMessageFromJSON

	// Transport registry
	DefaultTransportRegistry = transport.DefaultRegistry
	NewTransportRegistry     = transport.NewRegistry
	RegisterTransport        = transport.Register
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrPayloadRequired    = errspkg.ErrPayloadRequired
	ErrConnectionClosed   = errspkg.ErrConnectionClosed
	ErrChannelClosing     = errspkg.ErrChannelClosing
	ErrChannelClosed      = errspkg.ErrChannelClosed
	ErrWouldBlock         = errspkg.ErrWouldBlock
	ErrDuplicateDelivery  = errspkg.ErrDuplicateDelivery
	ErrUnknownDelivery    = errspkg.ErrUnknownDelivery
	ErrInvalidOutcome     = errspkg.ErrInvalidOutcome
	ErrAlreadyInitialized = errspkg.ErrAlreadyInitialized
	ErrNotInitialized     = errspkg.ErrNotInitialized

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger

	NewMessageID = idspkg.NewMessageID
	IDTimestamp  = idspkg.Timestamp
	FromMessage  = metadatapkg.FromMessage
)

// Metadata keys stamped on every message.
const (
	MetadataKeyMessageID   = metadatapkg.KeyMessageID
	MetadataKeyDeliveryID  = metadatapkg.KeyDeliveryID
	MetadataKeyChannelID   = metadatapkg.KeyChannelID
	MetadataKeySchema      = metadatapkg.KeySchema
	MetadataKeyContentType = metadatapkg.KeyContentType
)

const (
	ConnectionConnecting = runtimepkg.ConnectionConnecting
	ConnectionOpen       = runtimepkg.ConnectionOpen
	ConnectionClosing    = runtimepkg.ConnectionClosing
	ConnectionClosed     = runtimepkg.ConnectionClosed
	ConnectionFailed     = runtimepkg.ConnectionFailed

	ChannelOpen     = runtimepkg.ChannelOpen
	ChannelDraining = runtimepkg.ChannelDraining
	ChannelClosed   = runtimepkg.ChannelClosed

	Acknowledged = deliverypkg.Acknowledged
	Rejected     = deliverypkg.Rejected

	DrainedCleanly = shutdownpkg.DrainedCleanly
	TimedOut       = shutdownpkg.TimedOut
)

// Startup stages reported in StartupError.Stage.
const (
	StageConfig     = runtimepkg.StageConfig
	StageMetrics    = runtimepkg.StageMetrics
	StageConnect    = runtimepkg.StageConnect
	StageChannel    = runtimepkg.StageChannel
	StageCoordinate = runtimepkg.StageCoordinate
)

// NewMetadata builds Metadata from alternating key/value pairs. A trailing
// key without a value is ignored.
func NewMetadata(kv ...string) Metadata {
	md := make(Metadata, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		md[kv[i]] = kv[i+1]
	}
	return md
}
