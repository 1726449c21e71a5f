// Package influxdb records irrigation telemetry in InfluxDB v2.
//
// Every merged sensor update and every confirmed relay transition becomes
// a point, giving the dashboard charts a history that the realtime store
// (which keeps only the latest value) cannot provide. The integration is
// optional; the core runs without it.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   os.Getenv("IRRIGATION_INFLUXDB_TOKEN"),
//	    Org:     "home",
//	    Bucket:  "irrigation",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteRelayState("garden-001", true, false, false, time.Now())
package influxdb
