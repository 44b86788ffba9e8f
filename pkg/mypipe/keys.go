package mypipe

// StreamKey returns the relay stream key for a device: "{namespace}:{device}"
func StreamKey(namespace, device string) string {
	return namespace + ":" + device
}
