package wat

// Compile translates WAT source into a wasm binary module.
func Compile(source string) ([]byte, error) {
	m, err := parseModule(source)
	if err != nil {
		return nil, err
	}
	return encodeModule(m)
}

// MustCompile is Compile for tests and fixtures with known-good source.
func MustCompile(source string) []byte {
	b, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return b
}
