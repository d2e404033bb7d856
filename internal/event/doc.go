/*
Package event provides a type-safe, in-process pub/sub system for the
backend.

The backend's actual delivery path (proxy output to subscribed clients,
acks back to proxies) runs through internal/sessionmanager's direct
function calls, not this bus — that path needs to be ordered and
backpressured per-session, not fanned out to arbitrary subscribers. This
bus instead carries side-channel notifications: connection lifecycle,
permission bookkeeping, and message-store events that logging, metrics,
or an admin UI might want to observe without being wired into the hot
path.

# Event Types

Session lifecycle:
  - session.created, session.updated, session.deleted

Connection lifecycle:
  - proxy.connected, proxy.disconnected
  - client.subscribed, client.unsubscribed

Message store:
  - message.created, message.truncated

Permission dedup (see internal/permission):
  - permission.required, permission.resolved

# Usage

	unsubscribe := event.Subscribe(event.ProxyConnected, func(e event.Event) {
		data := e.Data.(map[string]string)
		logging.Info().Str("session_id", data["session_id"]).Msg("proxy connected")
	})
	defer unsubscribe()

	event.Publish(event.Event{
		Type: event.ProxyConnected,
		Data: map[string]string{"session_id": id},
	})

The proxy, client and launcher endpoints publish every event with a
map[string]string holding only "session_id" as Data; the payload structs
in types.go are not used by them.

PublishSync blocks until every subscriber has run; subscribers on that
path must return quickly and must not call Publish/PublishSync themselves.

# Testing

Use NewBus for an isolated instance, or event.Reset to clear the global
bus's subscribers between test cases.
*/
package event
