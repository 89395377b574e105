package config

import (
	_ "github.com/bundle-hub/bundle-hub/internal/builder/i18n"
	_ "github.com/bundle-hub/bundle-hub/internal/builder/js"
	_ "github.com/bundle-hub/bundle-hub/internal/builder/text"
)
