package camera

import "github.com/lanikai/alohacam/internal/logging"

var log = logging.DefaultLogger.WithTag("camera")
