package config

// Default returns the built-in rule file: trace methods marked @Trace
// unless marked @SkipTrace, decorate activities and fragments with the
// sentinel, route URL connections through the instrumentation shim and
// observe HTTP status codes.
func Default() *File {
	return &File{
		Hooks: Hooks{
			Class:   "com/newrelic/agent/android/instrumentation/MethodHooks",
			Enter:   "enterMethod",
			Exit:    "exitMethod",
			Observe: "observeReturn",
		},
		Sentinel: Sentinel{
			Field:     "_nr_trace",
			Type:      "Lcom/newrelic/agent/android/tracing/Trace;",
			Interface: "com/newrelic/agent/android/api/v2/TraceFieldInterface",
		},
		BuildID: BuildID{
			Class:   "com/newrelic/agent/android/NewRelicConfig",
			Field:   "BUILD_ID",
			Variant: "main",
		},
		Exclude: []string{
			"com/newrelic/agent/",
			"java/",
			"javax/",
			"jdk/",
			"sun/",
			"kotlin/",
		},
		Rules: []Rule{
			{
				Name:          "trace",
				Kind:          "annotated-method",
				Marker:        "com.newrelic.agent.android.instrumentation.Trace",
				ExcludeMarker: "com.newrelic.agent.android.instrumentation.SkipTrace",
			},
			{Name: "activity", Kind: "decorate-class", SuperClass: "android/app/Activity"},
			{Name: "compat-activity", Kind: "decorate-class", SuperClass: "androidx/appcompat/app/AppCompatActivity"},
			{Name: "fragment", Kind: "decorate-class", SuperClass: "androidx/fragment/app/Fragment"},
			{
				Name:         "url-connection",
				Kind:         "exact-call-site",
				Owner:        "java/net/URL",
				Method:       "openConnection",
				Descriptor:   "()Ljava/net/URLConnection;",
				Mode:         "replace",
				Intermediary: "com/newrelic/agent/android/instrumentation/URLConnectionInstrumentation.openConnection",
			},
			{
				Name:       "http-status",
				Kind:       "exact-call-site",
				Owner:      "java/net/HttpURLConnection",
				Method:     "getResponseCode",
				Descriptor: "()I",
				Mode:       "observe-return",
			},
		},
	}
}
