package ingestion

import (
	"PrivateMarkets/internal/compute"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSDispatcher sends computation requests to the cluster over JetStream.
// The cluster answers on pm.compute.callbacks.<kind>.
type NATSDispatcher struct {
	js jetstream.JetStream
}

func NewNATSDispatcher(js jetstream.JetStream) *NATSDispatcher {
	return &NATSDispatcher{js: js}
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, p *compute.Pending) error {
	data, err := json.Marshal(RequestToJSON(p))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	// MsgID dedups a redispatch of the same handle inside the stream window.
	_, err = d.js.Publish(ctx, RequestSubjectPrefix+string(p.Kind), data, jetstream.WithMsgID(p.Handle.String()))
	if err != nil {
		return fmt.Errorf("publish %s request: %w", p.Kind, err)
	}
	return nil
}
