package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aoba-ctl/aoba-ctl/internal/applog"
)

// mqttSource subscribes to a broker topic and buffers the most recent
// message; Next drains whatever is buffered without blocking.
type mqttSource struct {
	client mqtt.Client
	topic  string

	mu     sync.Mutex
	latest []uint16
	fresh  bool
}

func newMQTTSource(uri string) (*mqttSource, error) {
	topic, err := topicFromURI(uri)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, fmt.Errorf("datasource: mqtt uri %q has no topic path", uri)
	}

	s := &mqttSource{topic: topic}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerOnly(uri)).
		SetClientID(fmt.Sprintf("aoba-worker-%d", time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("datasource: mqtt connect: %w", token.Error())
	}

	subTok := s.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		values, err := parseLine(msg.Payload())
		if err != nil {
			applog.Warn("mqtt data-source-error: " + err.Error())
			return
		}
		s.mu.Lock()
		s.latest = values
		s.fresh = true
		s.mu.Unlock()
	})
	if !subTok.WaitTimeout(5*time.Second) || subTok.Error() != nil {
		s.client.Disconnect(250)
		return nil, fmt.Errorf("datasource: mqtt subscribe: %w", subTok.Error())
	}

	return s, nil
}

func (s *mqttSource) Next(context.Context) ([]uint16, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh {
		return nil, false, nil
	}
	s.fresh = false
	return s.latest, true, nil
}

func (s *mqttSource) Close() error {
	s.client.Unsubscribe(s.topic)
	s.client.Disconnect(250)
	return nil
}

// brokerOnly strips the topic path back off a mqtt://host:port/topic uri,
// since paho wants only the scheme+host+port as the broker address.
func brokerOnly(uri string) string {
	// Find the path's leading slash after the scheme's "//".
	schemeEnd := 0
	for i := 0; i+1 < len(uri); i++ {
		if uri[i] == '/' && uri[i+1] == '/' {
			schemeEnd = i + 2
			break
		}
	}
	for i := schemeEnd; i < len(uri); i++ {
		if uri[i] == '/' {
			return uri[:i]
		}
	}
	return uri
}
