package subscription

// Options is the host-supplied subscribe request (spec §3: "Push
// subscription" `options` field).
type Options struct {
	UserVisibleOnly      bool   `json:"userVisibleOnly"`
	ApplicationServerKey string `json:"applicationServerKey"`
}

// Keys is the `keys` object of a subscription's JSON projection (spec
// §4.4 to_json), the same shape imjasonh/webpush's Subscription.Keys
// uses on the sending side.
type Keys struct {
	Auth   string `json:"auth"`
	P256DH string `json:"p256dh"`
}

// JSON is the subscription projection handed back to the host on
// subscribe and carried in a pushsubscriptionchange event (spec §4.4).
type JSON struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`
}
