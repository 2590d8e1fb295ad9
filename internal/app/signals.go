package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	logFieldSignal           = "signal"
	logMessageReceivedSignal = "received signal"
)

func createSignalContext(parent context.Context, loggingService *logging.Service) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
			return
		case receivedSignal := <-signalChannel:
			if loggingService != nil {
				loggingService.Info(logMessageReceivedSignal, logging.String(logFieldSignal, receivedSignal.String()))
			}
			cancel()
		}
	}()

	return ctx, func() {
		signal.Stop(signalChannel)
		cancel()
	}
}
