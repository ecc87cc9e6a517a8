// Package influxdb provides InfluxDB v2 connectivity for Open Peer Power.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks. The
// influxdb component uses it to export numeric entity states.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePoint("°C",
//	    map[string]string{"domain": "sensor", "entity_id": "outside"},
//	    map[string]any{"value": 12.5},
//	    changedAt)
//
// # Error Handling
//
// Writes are batched according to batch_size and flush_interval. Batch
// failures are delivered asynchronously to the SetOnError callback;
// connection and health check errors are returned directly.
package influxdb
