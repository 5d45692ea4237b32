package log

// Common field names for structured logging
const (
	FieldComponent = "component"
	FieldError     = "error"
	FieldUserID    = "user_id"
	FieldIntent    = "intent"
	FieldResource  = "resource"
	FieldScopeKey  = "scope_key"
	FieldCacheKey  = "cache_key"
	FieldEntityID  = "entity_id"
	FieldAmount    = "amount"
	FieldTrigger   = "trigger"
	FieldState     = "state"
	FieldAttempt   = "attempt"
	FieldDuration  = "duration_ms"
	FieldVersion   = "version"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentStore      = "store"
	ComponentExecutor   = "executor"
	ComponentRevalidate = "revalidate"
	ComponentPush       = "push"
	ComponentAuthority  = "authority"
	ComponentServer     = "server"
	ComponentLedger     = "ledger"
	ComponentStorage    = "storage"
	ComponentNotifier   = "notifier"
	ComponentClient     = "client"
)

// Revalidation trigger names, used with FieldTrigger
const (
	TriggerInterval  = "interval"
	TriggerFocus     = "focus"
	TriggerReconnect = "reconnect"
	TriggerDemand    = "demand"
	TriggerMutation  = "mutation"
	TriggerPushHint  = "push_hint"
)
