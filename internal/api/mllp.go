package api

import (
	"context"
	"time"

	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
)

// mllpTimeout bounds one MLLP conversion.
const mllpTimeout = 30 * time.Second

// MLLPHandler converts each message received over MLLP and acknowledges it:
// AA when the conversion succeeded, AE with the error text in MSA-3
// otherwise. Conversions stop when ctx is cancelled.
func (s *Service) MLLPHandler(ctx context.Context) hl7v2.MessageHandler {
	return func(raw []byte, msg *hl7v2.Message) *hl7v2.Message {
		cctx, cancel := context.WithTimeout(ctx, mllpTimeout)
		defer cancel()

		_, txID, err := s.Inbound(cctx, raw, SourceMLLP)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("transaction_id", txID).
				Str("control_id", msg.ControlID).
				Msg("MLLP conversion failed")
			return hl7v2.GenerateACK(msg, hl7v2.AckError, err.Error())
		}
		s.logger.Debug().
			Str("transaction_id", txID).
			Str("control_id", msg.ControlID).
			Msg("MLLP message converted")
		return hl7v2.GenerateACK(msg, hl7v2.AckAccept, "")
	}
}
