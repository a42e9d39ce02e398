package bus

import (
	"fmt"
	"strings"

	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/pkg/errors"
	"github.com/notegrade/notegrade/internal/pkg/logger"
)

// NewBus creates a Bus from configuration. When an event log path is set the
// bus is wrapped so every published event is also appended to that file.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	var b Bus
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "notegrade"
		}

		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "notegrade-bus",
		}, log)
		if err != nil {
			return nil, err
		}
		b = kb

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLogPath == "" {
		return b, nil
	}

	eventLogger, err := NewEventLogger(cfg.EventLogPath, true)
	if err != nil {
		_ = b.Close()
		return nil, errors.Wrap(errors.CodeInternal, "opening event log", err)
	}
	return NewLoggedBus(b, eventLogger, log), nil
}
