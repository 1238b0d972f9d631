// Package obs concentra logging (zap) e métricas (prometheus) do motor.
package obs
