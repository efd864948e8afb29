package cli

var (
	WriteStructured = writeStructured
	LoadUserContext = loadUserContext
)
