package chat

var IsTokenLimitError = isTokenLimitError
