package config

// Lookup helpers for the named MQTT, Valkey and Kafka entries and web
// users. Callers hold Lock() when mutating a shared Config.

func findNamed[T any](items []T, name string, key func(*T) string) *T {
	for i := range items {
		if key(&items[i]) == name {
			return &items[i]
		}
	}
	return nil
}

func removeNamed[T any](items []T, name string, key func(*T) string) ([]T, bool) {
	for i := range items {
		if key(&items[i]) == name {
			return append(items[:i], items[i+1:]...), true
		}
	}
	return items, false
}

func updateNamed[T any](items []T, name string, updated T, key func(*T) string) bool {
	if p := findNamed(items, name, key); p != nil {
		*p = updated
		return true
	}
	return false
}

func mqttName(m *MQTTConfig) string     { return m.Name }
func valkeyName(v *ValkeyConfig) string { return v.Name }
func kafkaName(k *KafkaConfig) string   { return k.Name }
func userName(u *WebUser) string        { return u.Username }

func (c *Config) FindMQTT(name string) *MQTTConfig { return findNamed(c.MQTT, name, mqttName) }
func (c *Config) AddMQTT(m MQTTConfig)             { c.MQTT = append(c.MQTT, m) }

func (c *Config) RemoveMQTT(name string) bool {
	var ok bool
	c.MQTT, ok = removeNamed(c.MQTT, name, mqttName)
	return ok
}

func (c *Config) UpdateMQTT(name string, updated MQTTConfig) bool {
	return updateNamed(c.MQTT, name, updated, mqttName)
}

func (c *Config) FindValkey(name string) *ValkeyConfig { return findNamed(c.Valkey, name, valkeyName) }
func (c *Config) AddValkey(v ValkeyConfig)             { c.Valkey = append(c.Valkey, v) }

func (c *Config) RemoveValkey(name string) bool {
	var ok bool
	c.Valkey, ok = removeNamed(c.Valkey, name, valkeyName)
	return ok
}

func (c *Config) UpdateValkey(name string, updated ValkeyConfig) bool {
	return updateNamed(c.Valkey, name, updated, valkeyName)
}

func (c *Config) FindKafka(name string) *KafkaConfig { return findNamed(c.Kafka, name, kafkaName) }
func (c *Config) AddKafka(k KafkaConfig)             { c.Kafka = append(c.Kafka, k) }

func (c *Config) RemoveKafka(name string) bool {
	var ok bool
	c.Kafka, ok = removeNamed(c.Kafka, name, kafkaName)
	return ok
}

func (c *Config) UpdateKafka(name string, updated KafkaConfig) bool {
	return updateNamed(c.Kafka, name, updated, kafkaName)
}

func (c *Config) FindWebUser(username string) *WebUser {
	return findNamed(c.Web.Users, username, userName)
}

func (c *Config) AddWebUser(u WebUser) { c.Web.Users = append(c.Web.Users, u) }

func (c *Config) RemoveWebUser(username string) bool {
	var ok bool
	c.Web.Users, ok = removeNamed(c.Web.Users, username, userName)
	return ok
}

func (c *Config) UpdateWebUser(username string, updated WebUser) bool {
	return updateNamed(c.Web.Users, username, updated, userName)
}
