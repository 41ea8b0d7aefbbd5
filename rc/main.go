package main

import (
	"flag"

	"github.com/code-craka/upi-payment-app-sub000/common/errorutil"
	"github.com/code-craka/upi-payment-app-sub000/common/runner"
	"github.com/code-craka/upi-payment-app-sub000/rc/config"
	rc "github.com/code-craka/upi-payment-app-sub000/rc/service"
)

var (
	configFile = flag.String("config", "", "config file path")
)

func main() {
	flag.Parse()
	errorutil.PanicIfError(config.InitConfig(*configFile))
	runner.RunService(rc.NewRc()).Wait()
}
