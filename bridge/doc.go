// Package bridge drives a media driver over NATS.
//
// Commands arrive as JSON requests on <prefix>.cmd.<command> and are answered with a
// Response:
//
//	add_publication      {client_id, channel, stream_id, session_id}
//	remove_publication   {client_id, registration_id}
//	add_subscription     {client_id, channel, stream_id}
//	remove_subscription  {client_id, registration_id}
//	keepalive            {client_id}
//	offer                {client_id, registration_id, payload}
//
// Lifecycle events are published as JSON on <prefix>.events.<type>. When the JetStream
// journal is enabled, a stream captures <prefix>.events.> and events are published
// with acknowledgement.
//
// Messages received by a subscription added through the bridge are reassembled and
// published to <prefix>.data.<stream_id>.<registration_id>.
//
// Remote clients own their registrations like local ones and must send keepalive more
// often than the client liveness timeout.
package bridge
