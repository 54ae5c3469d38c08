package main

import "go.uber.org/zap"

// daemonObserver adapts router.Observer to structured zap logging.
type daemonObserver struct {
	log *zap.Logger
}

func (o *daemonObserver) OnProcessingStateChanged(name string, processing bool) {
	o.log.Debug("processing state changed", zap.String("agent", name), zap.Bool("processing", processing))
}

func (o *daemonObserver) OnError(context string, err error) {
	o.log.Warn("router error", zap.String("context", context), zap.Error(err))
}

// watchdogObserver adapts watchdog.Observer to structured zap logging.
type watchdogObserver struct {
	log *zap.Logger
}

func (o *watchdogObserver) OnFileDiscovered(fileID, agentName, messageType string) {
	o.log.Info("outbox file discovered",
		zap.String("file_id", fileID),
		zap.String("agent", agentName),
		zap.String("type", messageType),
	)
}

func (o *watchdogObserver) OnFileFailed(fileID, reason string) {
	o.log.Warn("outbox file failed", zap.String("file_id", fileID), zap.String("reason", reason))
}

func (o *watchdogObserver) OnWatcherOverflow(detail string) {
	o.log.Warn("watcher overflow, reconciling", zap.String("detail", detail))
}

func (o *watchdogObserver) OnReconcileComplete(pending, failed int) {
	o.log.Debug("reconcile complete", zap.Int("pending", pending), zap.Int("failed", failed))
}

func (o *watchdogObserver) OnError(context string, err error) {
	o.log.Warn("watchdog error", zap.String("context", context), zap.Error(err))
}
