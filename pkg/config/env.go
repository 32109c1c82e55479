package config

const (
	EnvPrefix = "GROSIR"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv            = "GROSIR_APP_ENV"
	EnvDBDSN             = "GROSIR_DB_DSN"
	EnvDBHost            = "GROSIR_DB_HOST"
	EnvDBUser            = "GROSIR_DB_USER"
	EnvDBName            = "GROSIR_DB_NAME"
	EnvRedisURL          = "GROSIR_REDIS_URL"
	EnvGCPProjectID      = "GROSIR_GCP_PROJECT_ID"
	EnvPaymentGatewayURL = "GROSIR_PAYMENT_GATEWAY_URL"
	EnvPaymentGatewayKey = "GROSIR_PAYMENT_GATEWAY_SECRET_KEY"
	EnvOrderServiceURL   = "GROSIR_ORDER_SERVICE_URL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
