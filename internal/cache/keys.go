package cache

// Key layout. Dedup keys in particular are a contract with the scheduler:
// dedup:{kind}:{idempotency key}.

func DedupKey(kind, idem string) string {
	return "dedup:" + kind + ":" + idem
}

func TaskKey(id string) string {
	return "task:" + id
}

func CurrentWeatherKey(plotID string) string {
	return "weather:current:" + plotID
}

func LatestIndexKey(plotID string) string {
	return "weather:index:" + plotID
}

func BiomassSummaryKey(plotID string) string {
	return "biomass:summary:" + plotID
}

func AssessmentsKey(plotID string) string {
	return "assessments:" + plotID
}

func AssessmentKey(id string) string {
	return "assessment:" + id
}

func RateKey(scope, actor string) string {
	return "rate:" + scope + ":" + actor
}
