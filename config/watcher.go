package config

import (
	"context"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Watcher follows a config key in etcd and delivers each decoded
// update. The stored payload uses the same TOML schema as the config
// file.
type Watcher struct {
	client *clientv3.Client
	key    string
}

func NewWatcher(endpoints []string, key string) (*Watcher, error) {

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Watcher{
		client: client,
		key:    key,
	}, nil
}

// Watch blocks delivering config updates to onUpdate until ctx ends.
// Malformed payloads are logged and dropped.
func (w *Watcher) Watch(ctx context.Context, onUpdate func(*Config)) error {
	watchChan := w.client.Watch(ctx, w.key)

	log.Infof("Watching config key %s", w.key)

	for {
		select {
		case <-ctx.Done():
			log.Info("Context canceled, stopping config watcher")
			return nil

		case resp, ok := <-watchChan:
			if !ok {
				return fmt.Errorf("watch channel closed")
			}

			for _, event := range resp.Events {
				if event.Type == clientv3.EventTypePut {
					w.handleUpdate(event.Kv.Value, onUpdate)
				}
			}
		}
	}
}

func (w *Watcher) handleUpdate(payload []byte, onUpdate func(*Config)) {
	var cfg Config
	if _, err := toml.Decode(string(payload), &cfg); err != nil {
		log.Errorf("Failed to decode config update for %s: %v", w.key, err)
		return
	}

	if err := applyDefaults(&cfg); err != nil {
		log.Errorf("Rejecting config update for %s: %v", w.key, err)
		return
	}

	log.Infof("Config update received for %s", w.key)
	onUpdate(&cfg)
}

func (w *Watcher) Close() {
	if w.client != nil {
		w.client.Close()
	}
}
