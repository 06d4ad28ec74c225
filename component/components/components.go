// Package components registers every bundled component with the default
// registry. Import it for its side effects:
//
//	import _ "github.com/drblury/routeflow/component/components"
package components

import (
	_ "github.com/drblury/routeflow/component/aws"
	_ "github.com/drblury/routeflow/component/channel"
	_ "github.com/drblury/routeflow/component/direct"
	_ "github.com/drblury/routeflow/component/http"
	"github.com/drblury/routeflow/component/io"
	_ "github.com/drblury/routeflow/component/jetstream"
	_ "github.com/drblury/routeflow/component/kafka"
	_ "github.com/drblury/routeflow/component/log"
	_ "github.com/drblury/routeflow/component/nats"
	_ "github.com/drblury/routeflow/component/rabbitmq"
	_ "github.com/drblury/routeflow/component/seda"
	_ "github.com/drblury/routeflow/component/timer"
)

func init() {
	io.Register()
}
