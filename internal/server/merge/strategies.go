package merge

import (
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/retryx"
	"github.com/dmitrijs2005/gophupload/internal/server/gateway"
)

// DefaultStrategies returns compose, multipart and buffer in that order.
func DefaultStrategies(gw gateway.Gateway, spillDir string, retry retryx.Policy, logger logging.Logger) []Strategy {
	return []Strategy{
		NewCompose(gw, retry, logger),
		NewMultipart(gw, retry, logger),
		NewBuffer(gw, spillDir, retry, logger),
	}
}
