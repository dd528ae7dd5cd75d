package domain

import "time"

type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
	WorkerDead WorkerStatus = "dead"
)

type Worker struct {
	ID              string
	Status          WorkerStatus
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}
