package common

import (
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

type WorkerConfig struct {
	MaxWorkers int
}

func NewWorkerPool(config WorkerConfig) (*ants.Pool, error) {

	pool, err := ants.NewPool(config.MaxWorkers)
	if err != nil {
		log.Errorf("Failed to create ants worker pool: %v", err)
		return nil, err
	}

	return pool, nil
}
