// Package logger provides a singleton Zap logger with context-based scoping.
//
// # Design Decisions
//
//   - Singleton: una sola instancia global inicializada con Init().
//   - Context Scoping: cada ejecución de un step puede llevar un logger
//     "scoped" con campos adicionales (plugin, step, subject_id) sin crear
//     un nuevo core.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//   - Levels: debug, info, warn, error (configurable via LOG_LEVEL).
//
// # Usage
//
// Inicialización (una vez en main.go):
//
//	logger.Init(logger.Config{
//	    Env:   os.Getenv("APP_ENV"),   // "dev" o "prod"
//	    Level: os.Getenv("LOG_LEVEL"), // "debug", "info", "warn", "error"
//	})
//	defer logger.L().Sync()
//
// En steps/services (con contexto):
//
//	log := logger.From(ctx)
//	log.Info("step executed", logger.Plugin("email-password"), logger.Step("login"))
//
// Sin contexto (fallback al singleton):
//
//	logger.L().Info("engine started")
package logger
